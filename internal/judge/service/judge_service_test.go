package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"dwoj/internal/judge/hook"
	"dwoj/internal/judge/model"
	"dwoj/internal/judge/repository"
	"dwoj/internal/judge/runner"
	"dwoj/internal/judge/testcase"
	appErr "dwoj/pkg/errors"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const problemID = 7

type fakeRunner struct {
	mu    sync.Mutex
	calls []runner.Request
	fn    func(req runner.Request) (runner.Outcome, error)
}

func (f *fakeRunner) Run(ctx context.Context, req runner.Request) (runner.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(req)
	}
	// echo solution
	return runner.Outcome{Stdout: strings.ToUpper(req.Input) + "\n"}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDispatcher struct {
	before, after []model.Status
}

func (f *fakeDispatcher) BeforeJudge(ctx context.Context, sub *model.Submission) []any {
	f.before = append(f.before, sub.Status)
	return nil
}

func (f *fakeDispatcher) AfterJudge(ctx context.Context, sub *model.Submission) []any {
	f.after = append(f.after, sub.Status)
	return nil
}

type fakePublisher struct {
	published []model.Status
}

func (f *fakePublisher) PublishFinalStatus(ctx context.Context, sub *model.Submission) error {
	f.published = append(f.published, sub.Status)
	return nil
}

type fixture struct {
	root      string
	store     *repository.MemoryStore
	runner    *fakeRunner
	hooks     *fakeDispatcher
	publisher *fakePublisher
	metrics   *Metrics
}

func newFixture(t *testing.T, language string, data map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	if data != nil {
		dir := filepath.Join(root, "7")
		require.NoError(t, os.MkdirAll(dir, 0755))
		for name, content := range data {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
		}
	}
	return &fixture{
		root: root,
		store: repository.NewMemoryStore(&model.Submission{
			ID: 1, ProblemID: problemID, UserID: 3, Username: "alice",
			Language: language, Code: "print(input().upper())", Status: model.StatusPending,
		}),
		runner:    &fakeRunner{},
		hooks:     &fakeDispatcher{},
		publisher: &fakePublisher{},
		metrics:   NewMetrics(),
	}
}

func (f *fixture) service(t *testing.T, policy testcase.AcceptancePolicy) *Service {
	t.Helper()
	languages, err := runner.NewLanguages(runner.DefaultLanguages())
	require.NoError(t, err)
	svc, err := NewService(Config{
		Store:      f.store,
		Runner:     f.runner,
		Loader:     testcase.NewLoader(f.root, nil),
		Languages:  languages,
		Hooks:      f.hooks,
		Publisher:  f.publisher,
		Acceptance: policy,
		Metrics:    f.metrics,
	})
	require.NoError(t, err)
	return svc
}

func (f *fixture) stored(t *testing.T) *model.Submission {
	t.Helper()
	sub, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	return sub
}

func results(pairs ...string) []model.CaseResult {
	out := []model.CaseResult{}
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.CaseResult{Name: pairs[i], Status: model.CaseVerdict(pairs[i+1])})
	}
	return out
}

func TestJudgeAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{
		"1.in": "a", "1.out": "A\n",
		"2.in": "b", "2.out": "B  \n\n",
	})

	sub, err := f.service(t, testcase.AcceptRaw).Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusAccepted, sub.Status)
	require.Equal(t, results("1", "AC", "2", "AC"), sub.CaseResults)
	require.Nil(t, sub.ErrorInfo)

	stored := f.stored(t)
	require.Equal(t, model.StatusAccepted, stored.Status)
	require.Equal(t, sub.CaseResults, stored.CaseResults)
	require.Equal(t, []model.Status{model.StatusPending}, f.hooks.before)
	require.Equal(t, []model.Status{model.StatusAccepted}, f.hooks.after)
	require.Equal(t, []model.Status{model.StatusAccepted}, f.publisher.published)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Verdicts.WithLabelValues("Accepted")))
	require.Equal(t, "a", f.runner.calls[0].Input)
	require.Equal(t, "python", f.runner.calls[0].Language)
}

func TestJudgeWrongAnswerMarksEachMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{
		"1.in": "a", "1.out": "A",
		"2.in": "b", "2.out": "nope",
		"3.in": "c", "3.out": "C",
		"4.in": "d", "4.out": "wrong",
	})

	sub, err := f.service(t, testcase.AcceptRaw).Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusWrongAnswer, sub.Status)
	require.Equal(t, results("1", "AC", "2", "WA", "3", "AC", "4", "WA"), sub.CaseResults)
	require.Nil(t, sub.ErrorInfo)
	require.Len(t, f.hooks.after, 1)
}

func TestJudgeRuntimeErrorStopsAtFailingCase(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{
		"1.in": "a", "1.out": "A",
		"2.in": "b", "2.out": "B",
		"3.in": "c", "3.out": "C",
	})
	f.runner.fn = func(req runner.Request) (runner.Outcome, error) {
		if req.Input == "b" {
			return runner.Outcome{Failure: runner.FailureTimeout, ExitCode: -1}, nil
		}
		return runner.Outcome{Stdout: strings.ToUpper(req.Input)}, nil
	}

	sub, err := f.service(t, testcase.AcceptRaw).Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusRuntimeError, sub.Status)
	require.Equal(t, results("1", "AC"), sub.CaseResults)
	require.Equal(t, "Time Limit Exceeded", sub.ErrorText())
	require.Equal(t, 2, f.runner.callCount())
	require.Equal(t, []model.Status{model.StatusRuntimeError}, f.hooks.after)

	stored := f.stored(t)
	require.Equal(t, model.StatusRuntimeError, stored.Status)
	require.Equal(t, "Time Limit Exceeded", stored.ErrorText())
}

func TestJudgeRuntimeErrorTexts(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		out  runner.Outcome
		want string
	}{
		{"stderr", runner.Outcome{Failure: runner.FailureNonZeroExit, ExitCode: 1, Stderr: "Traceback: boom"}, "Traceback: boom"},
		{"exit code", runner.Outcome{Failure: runner.FailureNonZeroExit, ExitCode: 3}, "Runtime Error (Process exited with code 3)"},
		{"spawn", runner.Outcome{Failure: runner.FailureSpawnError, Message: "exec: python3: not found"}, "System Error: exec: python3: not found"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "python", map[string]string{"1.in": "a", "1.out": "A"})
			f.runner.fn = func(runner.Request) (runner.Outcome, error) { return tc.out, nil }

			sub, err := f.service(t, testcase.AcceptRaw).Judge(context.Background(), 1)
			require.NoError(t, err)
			require.Equal(t, model.StatusRuntimeError, sub.Status)
			require.Empty(t, sub.CaseResults)
			require.Equal(t, tc.want, sub.ErrorText())
		})
	}
}

type removingLoader struct {
	inner *testcase.Loader
}

func (l removingLoader) Load(ctx context.Context, problemID int64) (testcase.Set, error) {
	set, err := l.inner.Load(ctx, problemID)
	if err == nil && len(set.Cases) > 0 {
		err = os.Remove(set.Cases[0].InputPath)
	}
	return set, err
}

func TestJudgeUnreadableCaseKeepsCause(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{"1.in": "a", "1.out": "A"})
	svc, err := NewService(Config{
		Store:  f.store,
		Runner: f.runner,
		Loader: removingLoader{inner: testcase.NewLoader(f.root, nil)},
	})
	require.NoError(t, err)

	sub, err := svc.Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusRuntimeError, sub.Status)
	require.True(t, strings.HasPrefix(sub.ErrorText(), "System Error: read input 1 failed: "), sub.ErrorText())
	require.Contains(t, sub.ErrorText(), "no such file or directory")
	require.Zero(t, f.runner.callCount())
}

func TestSystemErrorText(t *testing.T) {
	t.Parallel()
	wrapped := appErr.Wrapf(os.ErrPermission, appErr.JudgeSystemError, "read input 2 failed")
	require.Equal(t, "System Error: read input 2 failed: permission denied", systemErrorText(wrapped))
	require.Equal(t, "System Error: boom", systemErrorText(errors.New("boom")))
}

func TestJudgeMissingDataIsDataError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", nil)

	sub, err := f.service(t, testcase.AcceptRaw).Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusDataError, sub.Status)
	require.Equal(t, testcase.DataMissingText, sub.ErrorText())
	require.Zero(t, f.runner.callCount())
	require.Len(t, f.hooks.before, 1)
	require.Empty(t, f.hooks.after)
	require.Equal(t, model.StatusDataError, f.stored(t).Status)
	require.Equal(t, []model.Status{model.StatusDataError}, f.publisher.published)
}

func TestJudgeEmptyDataIsDataError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{"readme.txt": "no cases here", "1.out": "A"})

	sub, err := f.service(t, testcase.AcceptRaw).Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusDataError, sub.Status)
	require.Equal(t, testcase.NoTestCasesText, sub.ErrorText())
	require.Zero(t, f.runner.callCount())
	require.Empty(t, f.hooks.after)
}

func TestJudgeOrphanInputsDependOnAcceptancePolicy(t *testing.T) {
	t.Parallel()
	data := map[string]string{
		"1.in": "a", "1.out": "A",
		"2.in": "b",
	}

	raw := newFixture(t, "python", data)
	sub, err := raw.service(t, testcase.AcceptRaw).Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusWrongAnswer, sub.Status)
	require.Equal(t, results("1", "AC"), sub.CaseResults)

	paired := newFixture(t, "python", data)
	sub, err = paired.service(t, testcase.AcceptPaired).Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusAccepted, sub.Status)
	require.Equal(t, results("1", "AC"), sub.CaseResults)
	require.Equal(t, 1, paired.runner.callCount())
}

func TestJudgeUnsupportedLanguage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ruby", map[string]string{"1.in": "a", "1.out": "A"})

	sub, err := f.service(t, testcase.AcceptRaw).Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusRuntimeError, sub.Status)
	require.Equal(t, `configuration error: language "ruby" is not supported`, sub.ErrorText())
	require.Empty(t, sub.CaseResults)
	require.Zero(t, f.runner.callCount())
	require.Len(t, f.hooks.after, 1)
}

func TestJudgeRunnerLanguageErrorWithoutRegistry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ruby", map[string]string{"1.in": "a", "1.out": "A"})
	f.runner.fn = func(req runner.Request) (runner.Outcome, error) {
		return runner.Outcome{}, appErr.New(appErr.LanguageNotSupported).
			WithMessagef("configuration error: language %q is not supported", req.Language)
	}
	svc, err := NewService(Config{Store: f.store, Runner: f.runner, Loader: testcase.NewLoader(f.root, nil)})
	require.NoError(t, err)

	sub, err := svc.Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusRuntimeError, sub.Status)
	require.Equal(t, `configuration error: language "ruby" is not supported`, sub.ErrorText())
}

func TestJudgeHookFailuresDoNotStopThePass(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{"1.in": "a", "1.out": "A"})
	registry := hook.NewRegistry()
	require.NoError(t, registry.Register(hook.Handler{
		Name:        "panics",
		BeforeJudge: func(context.Context, *model.Submission) (any, error) { panic("plugin bug") },
		AfterJudge:  func(context.Context, *model.Submission) (any, error) { return nil, errors.New("plugin failed") },
	}, true))
	var afterStatus model.Status
	require.NoError(t, registry.Register(hook.Handler{
		Name: "observer",
		AfterJudge: func(ctx context.Context, sub *model.Submission) (any, error) {
			afterStatus = sub.Status
			return "seen", nil
		},
	}, true))

	svc, err := NewService(Config{Store: f.store, Runner: f.runner, Loader: testcase.NewLoader(f.root, nil), Hooks: registry})
	require.NoError(t, err)
	sub, err := svc.Judge(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusAccepted, sub.Status)
	require.Equal(t, model.StatusAccepted, afterStatus)
}

func TestJudgeIsRepeatable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{
		"1.in": "a", "1.out": "A",
		"2.in": "b", "2.out": "x",
	})
	svc := f.service(t, testcase.AcceptRaw)

	first, err := svc.Judge(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkPending(context.Background(), 1))
	second, err := svc.Judge(context.Background(), 1)
	require.NoError(t, err)

	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.CaseResults, second.CaseResults)
	require.Equal(t, f.stored(t).CaseResults, second.CaseResults)
}

type failingStore struct {
	*repository.MemoryStore
}

func (failingStore) SaveVerdict(context.Context, *model.Submission) error {
	return appErr.New(appErr.DatabaseError).WithMessage("connection refused")
}

func TestJudgePersistFailureKeepsVerdict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{"1.in": "a", "1.out": "A"})
	svc, err := NewService(Config{
		Store:     failingStore{MemoryStore: f.store},
		Runner:    f.runner,
		Loader:    testcase.NewLoader(f.root, nil),
		Publisher: f.publisher,
		Metrics:   f.metrics,
	})
	require.NoError(t, err)

	sub, err := svc.Judge(context.Background(), 1)
	require.Equal(t, appErr.DatabaseError, appErr.GetCode(err))
	require.NotNil(t, sub)
	require.Equal(t, model.StatusAccepted, sub.Status)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PersistFailures))
	require.Empty(t, f.publisher.published)
	require.Equal(t, model.StatusPending, f.stored(t).Status)
}

func TestJudgeCanceledPassIsNotPersisted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{"1.in": "a", "1.out": "A"})
	f.runner.fn = func(runner.Request) (runner.Outcome, error) {
		return runner.Outcome{}, context.Canceled
	}

	_, err := f.service(t, testcase.AcceptRaw).Judge(context.Background(), 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, model.StatusPending, f.stored(t).Status)
	require.Empty(t, f.hooks.after)
	require.Empty(t, f.publisher.published)
}

func TestJudgeSkipsLockedSubmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", map[string]string{"1.in": "a", "1.out": "A"})
	lock := repository.NewLocalLock()
	release, err := lock.Acquire(context.Background(), 1)
	require.NoError(t, err)
	defer release()

	svc, err := NewService(Config{Store: f.store, Runner: f.runner, Loader: testcase.NewLoader(f.root, nil), Lock: lock})
	require.NoError(t, err)
	_, err = svc.Judge(context.Background(), 1)
	require.Equal(t, appErr.JudgeInProgress, appErr.GetCode(err))
	require.Zero(t, f.runner.callCount())
}

func TestJudgeUnknownSubmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "python", nil)

	_, err := f.service(t, testcase.AcceptRaw).Judge(context.Background(), 99)
	require.Equal(t, appErr.SubmissionNotFound, appErr.GetCode(err))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := NewService(Config{})
	require.Error(t, err)
	_, err = NewService(Config{Store: repository.NewMemoryStore()})
	require.Error(t, err)
	_, err = NewService(Config{Store: repository.NewMemoryStore(), Runner: &fakeRunner{}})
	require.Error(t, err)
}
