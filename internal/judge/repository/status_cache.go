package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"dwoj/internal/common/cache"
	"dwoj/internal/judge/model"
	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"go.uber.org/zap"
)

const statusKeyPrefix = "judge:status:"

// StatusKey is the Redis key of a submission snapshot.
func StatusKey(id int64) string {
	return statusKeyPrefix + strconv.FormatInt(id, 10)
}

// CachedSubmissionStore puts a Redis snapshot cache in front of another store.
// Reads are cache-aside, verdicts are written through and MarkPending invalidates.
// Absent rows are never cached so a newly inserted submission is visible at once.
// Cache failures are logged and never fail the call.
type CachedSubmissionStore struct {
	next  SubmissionStore
	cache cache.BasicOps
	ttl   time.Duration
}

// NewCachedSubmissionStore wraps next.
func NewCachedSubmissionStore(next SubmissionStore, cacheClient cache.BasicOps, ttl time.Duration) *CachedSubmissionStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedSubmissionStore{next: next, cache: cacheClient, ttl: ttl}
}

func (s *CachedSubmissionStore) Get(ctx context.Context, id int64) (*model.Submission, error) {
	sub, found, err := cache.GetWithCached(ctx, s.cache, StatusKey(id), s.ttl,
		marshalSubmission, unmarshalSubmission,
		func(ctx context.Context) (*model.Submission, bool, error) {
			sub, err := s.next.Get(ctx, id)
			if appErr.Is(err, appErr.SubmissionNotFound) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			return sub, true, nil
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notFound(id)
	}
	return sub, nil
}

func (s *CachedSubmissionStore) SaveVerdict(ctx context.Context, sub *model.Submission) error {
	if err := s.next.SaveVerdict(ctx, sub); err != nil {
		return err
	}
	data, err := marshalSubmission(sub)
	if err == nil {
		err = s.cache.Set(ctx, StatusKey(sub.ID), data, cache.JitterTTL(s.ttl))
	}
	if err != nil {
		logger.Warn(ctx, "refresh status cache failed, dropping entry", zap.Int64("submission_id", sub.ID), zap.Error(err))
		_ = s.cache.Del(ctx, StatusKey(sub.ID))
	}
	return nil
}

func (s *CachedSubmissionStore) MarkPending(ctx context.Context, id int64) error {
	return cache.UpdateCached(ctx, s.cache, StatusKey(id), func(ctx context.Context) error {
		return s.next.MarkPending(ctx, id)
	})
}

func marshalSubmission(sub *model.Submission) (string, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("marshal submission failed: %w", err)
	}
	return string(data), nil
}

func unmarshalSubmission(raw string) (*model.Submission, error) {
	var sub model.Submission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("unmarshal submission failed: %w", err)
	}
	if sub.CaseResults == nil {
		sub.CaseResults = []model.CaseResult{}
	}
	return &sub, nil
}
