package testcase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dwoj/internal/common/storage"
	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const packContentType = "application/zstd"

// RemoteSource fetches and publishes problem data packs in object storage as <prefix><problemID>.tar.zst.
type RemoteSource struct {
	storage  storage.ObjectStorage
	bucket   string
	prefix   string
	timeout  time.Duration
	maxBytes int64
}

// RemoteConfig configures a RemoteSource.
type RemoteConfig struct {
	Bucket  string
	Prefix  string
	Timeout time.Duration
	// MaxBytes caps the extracted size of one pack. Zero is unlimited.
	MaxBytes int64
}

// NewRemoteSource creates a remote data-pack source.
func NewRemoteSource(store storage.ObjectStorage, cfg RemoteConfig) (*RemoteSource, error) {
	if store == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &RemoteSource{
		storage:  store,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxBytes,
	}, nil
}

// Key returns the object key of a problem's pack.
func (r *RemoteSource) Key(problemID int64) string {
	return fmt.Sprintf("%s%d.tar.zst", r.prefix, problemID)
}

// Fetch downloads the pack and installs it at dir. A missing object is DataMissing.
func (r *RemoteSource) Fetch(ctx context.Context, problemID int64, dir string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	key := r.Key(problemID)
	reader, err := r.storage.GetObject(ctx, r.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return appErr.New(appErr.DataMissing).WithDetail("key", key)
		}
		return appErr.Wrapf(err, appErr.JudgeSystemError, "download data pack failed")
	}
	defer reader.Close()

	staging, err := makeStaging(filepath.Dir(dir), problemID)
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := extractTarZst(reader, staging, newBudget(r.maxBytes)); err != nil {
		return err
	}
	if err := swapDir(staging, dir); err != nil {
		return err
	}
	logger.Info(ctx, "data pack fetched", zap.Int64("problem_id", problemID), zap.String("key", key))
	return nil
}

// Publish packs dir and uploads it so other judge nodes can fetch it.
func (r *RemoteSource) Publish(ctx context.Context, problemID int64, dir string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(packTarZst(dir, pw))
	}()
	err := r.storage.PutObject(ctx, r.bucket, r.Key(problemID), pr, -1, packContentType)
	_ = pr.CloseWithError(err)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "upload data pack failed")
	}
	return nil
}

// makeStaging creates a hidden sibling dir; it shares a filesystem with the target so rename is atomic.
func makeStaging(parent string, problemID int64) (string, error) {
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.TestCaseUploadFailed, "create data root failed")
	}
	staging := filepath.Join(parent, fmt.Sprintf(".staging-%d-%s", problemID, uuid.NewString()))
	if err := os.Mkdir(staging, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.TestCaseUploadFailed, "create staging dir failed")
	}
	return staging, nil
}

// swapDir replaces dir with staging. The previous contents are removed.
func swapDir(staging, dir string) error {
	trash := ""
	if _, err := os.Stat(dir); err == nil {
		trash = filepath.Join(filepath.Dir(dir), fmt.Sprintf(".trash-%s-%s", filepath.Base(dir), uuid.NewString()))
		if err := os.Rename(dir, trash); err != nil {
			return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "move old data dir failed")
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		if trash != "" {
			_ = os.Rename(trash, dir)
		}
		return appErr.Wrapf(err, appErr.TestCaseUploadFailed, "install data dir failed")
	}
	if trash != "" {
		_ = os.RemoveAll(trash)
	}
	return nil
}
