// Package service runs judging passes and schedules them on a bounded worker pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dwoj/internal/judge/hook"
	"dwoj/internal/judge/model"
	"dwoj/internal/judge/repository"
	"dwoj/internal/judge/runner"
	"dwoj/internal/judge/testcase"
	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/contextkey"
	"dwoj/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultPersistTimeout = 5 * time.Second

// CaseLoader enumerates a problem's test cases.
type CaseLoader interface {
	Load(ctx context.Context, problemID int64) (testcase.Set, error)
}

// Service handles judge passes.
type Service struct {
	store          repository.SubmissionStore
	runner         runner.Runner
	loader         CaseLoader
	languages      *runner.Languages
	hooks          hook.Dispatcher
	lock           repository.SubmissionLock
	publisher      repository.StatusEventPublisher
	acceptance     testcase.AcceptancePolicy
	metrics        *Metrics
	persistTimeout time.Duration
}

// Config holds service dependencies and settings.
type Config struct {
	Store  repository.SubmissionStore
	Runner runner.Runner
	Loader CaseLoader
	// Languages, when set, rejects unsupported tags before any case runs.
	Languages *runner.Languages
	Hooks     hook.Dispatcher
	// Lock defaults to an in-process lock.
	Lock repository.SubmissionLock
	// Publisher is optional.
	Publisher      repository.StatusEventPublisher
	Acceptance     testcase.AcceptancePolicy
	Metrics        *Metrics
	PersistTimeout time.Duration
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("test case loader is required")
	}
	if cfg.Hooks == nil {
		cfg.Hooks = hook.Nop{}
	}
	if cfg.Lock == nil {
		cfg.Lock = repository.NewLocalLock()
	}
	if cfg.Acceptance == "" {
		cfg.Acceptance = testcase.AcceptRaw
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Service{
		store:          cfg.Store,
		runner:         cfg.Runner,
		loader:         cfg.Loader,
		languages:      cfg.Languages,
		hooks:          cfg.Hooks,
		lock:           cfg.Lock,
		publisher:      cfg.Publisher,
		acceptance:     cfg.Acceptance,
		metrics:        cfg.Metrics,
		persistTimeout: cfg.PersistTimeout,
	}, nil
}

// Judge runs one judging pass and persists the verdict.
// The returned submission is the in-memory result; it is also returned when persisting fails.
// A canceled ctx aborts the pass without persisting anything.
func (s *Service) Judge(ctx context.Context, submissionID int64) (*model.Submission, error) {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)

	release, err := s.lock.Acquire(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err := s.store.Get(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	s.hooks.BeforeJudge(ctx, sub)

	set, err := s.loader.Load(ctx, sub.ProblemID)
	if err != nil {
		if appErr.Is(err, appErr.DataMissing) || appErr.Is(err, appErr.NoTestCases) {
			sub.Status = model.StatusDataError
			sub.SetError(err.Error())
			logger.Warn(ctx, "test data unusable", zap.Int64("problem_id", sub.ProblemID), zap.Error(err))
			return sub, s.persist(ctx, sub)
		}
		return sub, err
	}

	sub.Status = model.StatusRunning
	sub.CaseResults = []model.CaseResult{}
	sub.SetError("")

	if err := s.runCases(ctx, sub, set); err != nil {
		return sub, err
	}

	s.hooks.AfterJudge(ctx, sub)
	return sub, s.persist(ctx, sub)
}

// runCases runs the cases in order and leaves sub in a terminal status.
func (s *Service) runCases(ctx context.Context, sub *model.Submission, set testcase.Set) error {
	if s.languages != nil {
		if _, err := s.languages.Resolve(sub.Language); err != nil {
			s.fail(ctx, sub, err.Error())
			return nil
		}
	}

	passed := 0
	for _, c := range set.Cases {
		expected, err := c.ReadExpected()
		if err != nil {
			s.fail(ctx, sub, systemErrorText(err))
			return nil
		}
		input, err := c.ReadInput()
		if err != nil {
			s.fail(ctx, sub, systemErrorText(err))
			return nil
		}

		out, err := s.runner.Run(ctx, runner.Request{Language: sub.Language, Code: sub.Code, Input: input})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Warn(ctx, "judge pass interrupted", zap.String("case", c.Name), zap.Error(err))
				return err
			}
			if appErr.Is(err, appErr.LanguageNotSupported) {
				s.fail(ctx, sub, err.Error())
			} else {
				s.fail(ctx, sub, systemErrorText(err))
			}
			return nil
		}
		s.metrics.caseRun(out.Duration)

		if out.Failed() {
			logger.Info(ctx, "case run failed",
				zap.String("case", c.Name),
				zap.String("failure", string(out.Failure)),
				zap.Int("exit_code", out.ExitCode),
				zap.Duration("duration", out.Duration))
			s.fail(ctx, sub, out.Text())
			return nil
		}
		if testcase.TrimOutput(out.Stdout) == expected {
			passed++
			sub.CaseResults = append(sub.CaseResults, model.CaseResult{Name: c.Name, Status: model.CaseAC})
		} else {
			sub.CaseResults = append(sub.CaseResults, model.CaseResult{Name: c.Name, Status: model.CaseWA})
		}
	}

	if passed == set.Denominator(s.acceptance) {
		sub.Status = model.StatusAccepted
	} else {
		sub.Status = model.StatusWrongAnswer
		if orphans := set.Orphans(); orphans > 0 && s.acceptance == testcase.AcceptRaw {
			logger.Warn(ctx, "inputs without expected output count against acceptance",
				zap.Int64("problem_id", sub.ProblemID), zap.Int("orphans", orphans))
		}
	}
	return nil
}

func (s *Service) fail(ctx context.Context, sub *model.Submission, text string) {
	sub.Status = model.StatusRuntimeError
	sub.SetError(text)
	logger.Info(ctx, "judge pass ended with runtime error",
		zap.Int("cases", len(sub.CaseResults)), zap.String("error", text))
}

// persist writes the verdict and announces it. The write outlives a canceled ctx.
func (s *Service) persist(ctx context.Context, sub *model.Submission) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	if err := s.store.SaveVerdict(writeCtx, sub); err != nil {
		s.metrics.persistFailed()
		logger.Error(ctx, "persist verdict failed",
			zap.String("status", string(sub.Status)),
			zap.Int("cases", len(sub.CaseResults)),
			zap.Error(err))
		return appErr.Wrapf(err, appErr.DatabaseError, "persist verdict failed")
	}
	s.metrics.verdict(string(sub.Status))

	if s.publisher != nil {
		if err := s.publisher.PublishFinalStatus(writeCtx, sub); err != nil {
			logger.Warn(ctx, "publish final status failed", zap.Error(err))
		}
	}
	return nil
}

// systemErrorText keeps the underlying cause next to the wrapped message.
func systemErrorText(err error) string {
	msg := err.Error()
	if cause := errors.Unwrap(err); cause != nil && cause.Error() != msg {
		msg += ": " + cause.Error()
	}
	return "System Error: " + msg
}
