package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout        = 2000 * time.Millisecond
	defaultMaxOutputBytes = 64 << 20
	sourceFilePrefix      = "sol_"
	waitDelay             = 500 * time.Millisecond
)

// Config holds process runner settings.
type Config struct {
	// TempDir receives one source file per run. It may be shared by concurrent runs.
	TempDir string
	// Timeout is the wall-clock limit per run.
	Timeout time.Duration
	// MaxOutputBytes caps each captured stream; the rest is discarded.
	MaxOutputBytes int64
}

// ProcessRunner runs interpreters as child processes of the judge.
type ProcessRunner struct {
	cfg       Config
	languages *Languages
}

// NewProcessRunner creates a runner. The temp dir is created if missing.
func NewProcessRunner(cfg Config, languages *Languages) (*ProcessRunner, error) {
	if languages == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &ProcessRunner{cfg: cfg, languages: languages}, nil
}

// Languages exposes the registry used to resolve tags.
func (r *ProcessRunner) Languages() *Languages {
	return r.languages
}

// Run writes the code to a temp file, runs the interpreter on it and settles one Outcome.
func (r *ProcessRunner) Run(ctx context.Context, req Request) (Outcome, error) {
	lang, err := r.languages.Resolve(req.Language)
	if err != nil {
		return Outcome{}, err
	}
	path, err := r.writeSource(lang, req.Code)
	if err != nil {
		return Outcome{}, err
	}
	defer r.removeSource(ctx, path)

	argv, err := lang.argv(path)
	if err != nil {
		return Outcome{}, err
	}
	out, canceled := r.execute(ctx, argv, req.Input)
	if canceled {
		return Outcome{}, ctx.Err()
	}
	return out, nil
}

func (r *ProcessRunner) writeSource(lang LanguageSpec, code string) (string, error) {
	name := sourceFileName(time.Now(), lang.Extension)
	path := filepath.Join(r.cfg.TempDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "create source file failed")
	}
	if _, err := file.WriteString(code); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "write source file failed")
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "close source file failed")
	}
	return path, nil
}

func (r *ProcessRunner) removeSource(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn(ctx, "remove temp source failed", zap.String("path", path), zap.Error(err))
	}
}

// sourceFileName is unique across concurrent runs: nanosecond clock plus random suffix.
func sourceFileName(now time.Time, ext string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%d_%s%s", sourceFilePrefix, now.UnixNano(), suffix, ext)
}

// execute runs argv and returns its outcome; canceled is true when ctx ended the run.
func (r *ProcessRunner) execute(ctx context.Context, argv []string, input string) (Outcome, bool) {
	stdout := newCappedBuffer(r.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(r.cfg.MaxOutputBytes)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(input + "\n")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// bounds Wait when a detached grandchild keeps the pipes open
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{Failure: FailureSpawnError, Message: spawnMessage(err), ExitCode: -1}, false
	}

	var cell outcomeCell
	var canceled atomic.Bool
	group := &processGroup{cmd: cmd}
	timer := time.AfterFunc(r.cfg.Timeout, func() {
		if cell.settle(Outcome{Failure: FailureTimeout, ExitCode: -1}) {
			group.kill()
		}
	})
	stopCancel := context.AfterFunc(ctx, func() {
		if cell.settle(Outcome{Failure: FailureTimeout, ExitCode: -1}) {
			canceled.Store(true)
			group.kill()
		}
	})

	if waitExited(cmd) {
		// leader is exited but unreaped: sweep whatever it left in its group
		group.kill()
		group.markReaped()
	}
	waitErr := cmd.Wait()
	group.markReaped()
	timer.Stop()
	stopCancel()

	// no-op when the timer or ctx already settled
	cell.settle(exitOutcome(waitErr, cmd.ProcessState, stdout, stderr))

	out := cell.get()
	out.Duration = time.Since(start)
	out.Truncated = stdout.truncated || stderr.truncated
	return out, canceled.Load()
}

func exitOutcome(waitErr error, state *os.ProcessState, stdout, stderr *cappedBuffer) Outcome {
	code := exitCodeFromErr(waitErr, state)
	if code == 0 {
		return Outcome{Stdout: stdout.String(), Stderr: stderr.String()}
	}
	return Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
		Failure:  FailureNonZeroExit,
	}
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func spawnMessage(err error) string {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Sprintf("spawn %s: %v", execErr.Name, execErr.Err)
	}
	return err.Error()
}

// processGroup guards group kills so none is sent once the leader has been
// reaped and its group id may belong to another run.
type processGroup struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	reaped bool
	kills  int
}

func (g *processGroup) kill() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reaped {
		return
	}
	g.kills++
	killProcessGroup(g.cmd)
}

func (g *processGroup) markReaped() {
	g.mu.Lock()
	g.reaped = true
	g.mu.Unlock()
}

// outcomeCell is resolved exactly once; later settle calls are ignored.
type outcomeCell struct {
	once sync.Once
	mu   sync.Mutex
	out  Outcome
}

func (c *outcomeCell) settle(out Outcome) bool {
	won := false
	c.once.Do(func() {
		c.mu.Lock()
		c.out = out
		c.mu.Unlock()
		won = true
	})
	return won
}

func (c *outcomeCell) get() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// cappedBuffer keeps the first max bytes and reports full writes so the child never sees EPIPE.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int64
	truncated bool
}

func newCappedBuffer(max int64) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - int64(len(b.buf))
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
