package repository

import (
	"context"
	"strconv"
	"sync"
	"time"

	"dwoj/internal/common/cache"
	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix      = "judge:lock:"
	defaultLockTTL     = 10 * time.Minute
	lockReleaseTimeout = 3 * time.Second
)

// SubmissionLock gives one judging pass exclusive ownership of a submission.
type SubmissionLock interface {
	Acquire(ctx context.Context, id int64) (release func(), err error)
}

// JudgeLock is a SubmissionLock shared across judge processes through Redis.
type JudgeLock struct {
	locker cache.LockOps
	ttl    time.Duration
}

// NewJudgeLock creates a lock. ttl bounds how long a crashed holder blocks a re-judge.
func NewJudgeLock(locker cache.LockOps, ttl time.Duration) *JudgeLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &JudgeLock{locker: locker, ttl: ttl}
}

// Acquire takes the lock or returns JudgeInProgress.
func (l *JudgeLock) Acquire(ctx context.Context, id int64) (func(), error) {
	key := lockKeyPrefix + strconv.FormatInt(id, 10)
	token := uuid.NewString()
	ok, err := l.locker.TryLock(ctx, key, token, l.ttl)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.LockFailed, "acquire judge lock failed")
	}
	if !ok {
		return nil, appErr.New(appErr.JudgeInProgress).WithDetail("submission_id", id)
	}
	return func() {
		// released even when the pass was canceled
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()
		if err := l.locker.Unlock(releaseCtx, key, token); err != nil {
			logger.Warn(ctx, "release judge lock failed", zap.Int64("submission_id", id), zap.Error(err))
		}
	}, nil
}

// LocalLock is a SubmissionLock for a single process.
type LocalLock struct {
	held sync.Map
}

// NewLocalLock creates an in-process lock.
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (l *LocalLock) Acquire(ctx context.Context, id int64) (func(), error) {
	if _, loaded := l.held.LoadOrStore(id, struct{}{}); loaded {
		return nil, appErr.New(appErr.JudgeInProgress).WithDetail("submission_id", id)
	}
	return func() { l.held.Delete(id) }, nil
}
