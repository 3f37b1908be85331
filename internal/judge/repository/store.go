// Package repository persists submissions and their judge state.
package repository

import (
	"context"
	"sync"

	"dwoj/internal/judge/model"
	appErr "dwoj/pkg/errors"
)

// SubmissionStore is the judge's only read/write boundary to submission rows.
type SubmissionStore interface {
	// Get loads a submission with its stored case results. A missing row is SubmissionNotFound.
	Get(ctx context.Context, id int64) (*model.Submission, error)
	// SaveVerdict writes status, error text and case results.
	SaveVerdict(ctx context.Context, sub *model.Submission) error
	// MarkPending resets a submission before it is queued for (re)judging.
	MarkPending(ctx context.Context, id int64) error
}

func notFound(id int64) error {
	return appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", id)
}

// MemoryStore keeps submissions in process. Used by the CLI and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[int64]*model.Submission
}

// NewMemoryStore creates a store seeded with subs.
func NewMemoryStore(subs ...*model.Submission) *MemoryStore {
	s := &MemoryStore{subs: make(map[int64]*model.Submission)}
	for _, sub := range subs {
		s.Put(sub)
	}
	return s
}

// Put inserts or replaces a submission.
func (s *MemoryStore) Put(sub *model.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sub.Clone()
	if cp.CaseResults == nil {
		cp.CaseResults = []model.CaseResult{}
	}
	s.subs[sub.ID] = cp
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, notFound(id)
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) SaveVerdict(ctx context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[sub.ID]
	if !ok {
		return notFound(sub.ID)
	}
	next := sub.Clone()
	cur.Status = next.Status
	cur.ErrorInfo = next.ErrorInfo
	cur.CaseResults = next.CaseResults
	if cur.CaseResults == nil {
		cur.CaseResults = []model.CaseResult{}
	}
	return nil
}

func (s *MemoryStore) MarkPending(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[id]
	if !ok {
		return notFound(id)
	}
	cur.Status = model.StatusPending
	cur.ErrorInfo = nil
	return nil
}
