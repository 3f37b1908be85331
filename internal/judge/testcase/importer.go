package testcase

import (
	"context"
	"io"
	"os"
	"path/filepath"

	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultMaxArchiveBytes = 256 << 20

// Publisher shares an installed data directory with other judge nodes.
type Publisher interface {
	Publish(ctx context.Context, problemID int64, dir string) error
}

// ImporterConfig limits uploads.
type ImporterConfig struct {
	MaxArchiveBytes int64
	MaxExtractBytes int64
}

// Importer replaces a problem's data directory with the contents of an uploaded archive.
type Importer struct {
	loader    *Loader
	cfg       ImporterConfig
	publisher Publisher
}

// ImportResult summarizes an installed archive.
type ImportResult struct {
	ProblemID     int64 `json:"problem_id"`
	Cases         int   `json:"cases"`
	RawInputCount int   `json:"raw_input_count"`
	Published     bool  `json:"published"`
}

// NewImporter creates an importer writing under the loader's root. publisher may be nil.
func NewImporter(loader *Loader, cfg ImporterConfig, publisher Publisher) *Importer {
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = defaultMaxArchiveBytes
	}
	return &Importer{loader: loader, cfg: cfg, publisher: publisher}
}

// Import extracts the archive into a staging dir, checks it holds input files and swaps it in.
// Readers see either the old data or the new data, never a partial tree.
func (im *Importer) Import(ctx context.Context, problemID int64, filename string, src io.Reader) (ImportResult, error) {
	result := ImportResult{ProblemID: problemID}
	if problemID <= 0 {
		return result, appErr.ValidationError("problem_id", "must be positive")
	}
	format, err := DetectFormat(filename)
	if err != nil {
		return result, err
	}

	root := im.loader.Root()
	archivePath, err := im.spool(root, src)
	if err != nil {
		return result, err
	}
	defer os.Remove(archivePath)

	staging, err := makeStaging(root, problemID)
	if err != nil {
		return result, err
	}
	defer os.RemoveAll(staging)

	budget := newBudget(im.cfg.MaxExtractBytes)
	switch format {
	case FormatZip:
		err = extractZip(archivePath, staging, budget)
	case FormatTarZst:
		err = extractTarFile(archivePath, staging, budget)
	}
	if err != nil {
		return result, err
	}
	if err := requireInputs(staging); err != nil {
		return result, err
	}

	dir := im.loader.Dir(problemID)
	if err := swapDir(staging, dir); err != nil {
		return result, err
	}
	set, err := im.loader.Load(ctx, problemID)
	if err != nil {
		return result, err
	}
	result.Cases = len(set.Cases)
	result.RawInputCount = set.RawInputCount
	logger.Info(ctx, "test data imported",
		zap.Int64("problem_id", problemID),
		zap.String("format", string(format)),
		zap.Int("cases", result.Cases),
		zap.Int("orphans", set.Orphans()))

	if im.publisher != nil {
		if err := im.publisher.Publish(ctx, problemID, dir); err != nil {
			logger.Warn(ctx, "publish data pack failed", zap.Int64("problem_id", problemID), zap.Error(err))
		} else {
			result.Published = true
		}
	}
	return result, nil
}

func (im *Importer) spool(root string, src io.Reader) (string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.TestCaseUploadFailed, "create data root failed")
	}
	file, err := os.CreateTemp(root, ".upload-*")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.TestCaseUploadFailed, "create upload file failed")
	}
	n, err := io.Copy(file, io.LimitReader(src, im.cfg.MaxArchiveBytes+1))
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(file.Name())
		return "", appErr.Wrapf(err, appErr.TestCaseUploadFailed, "store upload failed")
	}
	if n > im.cfg.MaxArchiveBytes {
		_ = os.Remove(file.Name())
		return "", appErr.New(appErr.TestCaseTooLarge)
	}
	return file.Name(), nil
}

func extractTarFile(path, dstDir string, budget *extractBudget) error {
	file, err := os.Open(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "open archive failed")
	}
	defer file.Close()
	return extractTarZst(file, dstDir, budget)
}

func requireInputs(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+InputExt))
	if err != nil {
		return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "scan archive failed")
	}
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			return nil
		}
	}
	return appErr.New(appErr.TestCaseInvalid).WithMessage("archive has no " + InputExt + " files at its top level")
}
