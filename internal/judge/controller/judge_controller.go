// Package controller exposes the judge over HTTP.
package controller

import (
	"context"
	"io"
	"strconv"

	"dwoj/internal/judge/model"
	"dwoj/internal/judge/repository"
	"dwoj/internal/judge/service"
	"dwoj/internal/judge/testcase"
	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"
	"dwoj/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DataImporter installs uploaded test data.
type DataImporter interface {
	Import(ctx context.Context, problemID int64, filename string, src io.Reader) (testcase.ImportResult, error)
}

// JudgeController handles judge status, judge requests and test data uploads.
type JudgeController struct {
	store    repository.SubmissionStore
	pool     service.Submitter
	importer DataImporter
}

// NewJudgeController creates a new controller. importer may be nil to disable uploads.
func NewJudgeController(store repository.SubmissionStore, pool service.Submitter, importer DataImporter) *JudgeController {
	return &JudgeController{store: store, pool: pool, importer: importer}
}

// RegisterRoutes mounts the judge API under r.
func (h *JudgeController) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/api/v1/judge")
	g.GET("/submissions/:id", h.GetStatus)
	g.POST("/submissions/:id/judge", h.RequestJudge)
	if h.importer != nil {
		g.PUT("/problems/:id/data", h.UploadData)
	}
}

// GetStatus returns status for one submission.
func (h *JudgeController) GetStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, model.ViewOf(sub))
}

// RequestJudge resets a submission to Pending and queues it. A rejected enqueue leaves the stored verdict as it was.
func (h *JudgeController) RequestJudge(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	prev, err := h.store.Get(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.store.MarkPending(ctx, id); err != nil {
		response.Error(c, err)
		return
	}
	if err := h.pool.Submit(id); err != nil {
		// Nothing will pick the submission up, so put the previous verdict back.
		if restoreErr := h.store.SaveVerdict(context.WithoutCancel(ctx), prev); restoreErr != nil {
			logger.Error(ctx, "restore verdict after rejected judge request failed",
				zap.Int64("submission_id", id), zap.Error(restoreErr))
		}
		response.Error(c, err)
		return
	}
	logger.Info(ctx, "judge requested", zap.Int64("submission_id", id))
	response.Accepted(c, gin.H{"submission_id": id, "status": model.StatusPending})
}

// UploadData replaces a problem's test data with the uploaded archive in form field "file".
func (h *JudgeController) UploadData(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "archive file is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.TestCaseUploadFailed, "open upload failed"))
		return
	}
	defer file.Close()

	result, err := h.importer.Import(c.Request.Context(), id, header.Filename, file)
	if err != nil {
		response.Error(c, err)
		return
	}
	logger.Info(c.Request.Context(), "test data imported",
		zap.Int64("problem_id", id),
		zap.Int("cases", result.Cases),
		zap.Int("inputs", result.RawInputCount))
	response.Success(c, result)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}
