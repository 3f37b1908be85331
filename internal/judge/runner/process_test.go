//go:build unix

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	appErr "dwoj/pkg/errors"
)

func newShellRunner(t *testing.T, timeout time.Duration) (*ProcessRunner, string) {
	t.Helper()
	langs, err := NewLanguages([]LanguageSpec{
		{ID: "sh", Extension: ".sh", Command: "/bin/sh {src}"},
		{ID: "missing", Extension: ".x", Command: "/nonexistent/interpreter {src}"},
	})
	if err != nil {
		t.Fatalf("new languages: %v", err)
	}
	dir := t.TempDir()
	r, err := NewProcessRunner(Config{TempDir: dir, Timeout: timeout}, langs)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, dir
}

func assertNoSourceFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), sourceFilePrefix) {
			t.Fatalf("temp source left behind: %s", e.Name())
		}
	}
}

func TestProcessRunnerEchoesInput(t *testing.T) {
	t.Parallel()
	r, dir := newShellRunner(t, 5*time.Second)

	out, err := r.Run(context.Background(), Request{Language: "sh", Code: "read line\necho \"got $line\"\n", Input: "42"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Failed() {
		t.Fatalf("unexpected failure %s: %s", out.Failure, out.Text())
	}
	if out.Stdout != "got 42\n" {
		t.Fatalf("unexpected stdout %q", out.Stdout)
	}
	assertNoSourceFiles(t, dir)
}

func TestProcessRunnerNonZeroExit(t *testing.T) {
	t.Parallel()
	r, dir := newShellRunner(t, 5*time.Second)

	out, err := r.Run(context.Background(), Request{Language: "sh", Code: "echo boom >&2\nexit 2\n"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Failure != FailureNonZeroExit || out.ExitCode != 2 {
		t.Fatalf("expected NonZeroExit(2), got %s(%d)", out.Failure, out.ExitCode)
	}
	if out.Text() != "boom\n" {
		t.Fatalf("expected stderr text, got %q", out.Text())
	}

	out, err = r.Run(context.Background(), Request{Language: "sh", Code: "exit 3\n"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Text() != "Runtime Error (Process exited with code 3)" {
		t.Fatalf("unexpected text %q", out.Text())
	}
	assertNoSourceFiles(t, dir)
}

func TestProcessRunnerTimeoutKillsProcessGroup(t *testing.T) {
	t.Parallel()
	r, dir := newShellRunner(t, 200*time.Millisecond)
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	code := fmt.Sprintf("sleep 30 &\necho $! > %s\nwait\n", pidFile)
	start := time.Now()
	out, err := r.Run(context.Background(), Request{Language: "sh", Code: code})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Failure != FailureTimeout || out.Text() != "Time Limit Exceeded" {
		t.Fatalf("expected timeout, got %s (%q)", out.Failure, out.Text())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took too long: %s", elapsed)
	}
	assertNoSourceFiles(t, dir)

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	// the orphaned child is reaped by init shortly after the kill
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("child process %d still running", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestProcessRunnerSpawnError(t *testing.T) {
	t.Parallel()
	r, dir := newShellRunner(t, time.Second)

	out, err := r.Run(context.Background(), Request{Language: "missing", Code: "x"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Failure != FailureSpawnError {
		t.Fatalf("expected spawn error, got %s", out.Failure)
	}
	if !strings.HasPrefix(out.Text(), "System Error: ") {
		t.Fatalf("unexpected text %q", out.Text())
	}
	assertNoSourceFiles(t, dir)
}

func TestProcessRunnerUnknownLanguage(t *testing.T) {
	t.Parallel()
	r, _ := newShellRunner(t, time.Second)

	_, err := r.Run(context.Background(), Request{Language: "cobol", Code: "x"})
	if appErr.GetCode(err) != appErr.LanguageNotSupported {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
}

func TestProcessRunnerContextCancel(t *testing.T) {
	t.Parallel()
	r, dir := newShellRunner(t, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, Request{Language: "sh", Code: "sleep 30\n"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
	assertNoSourceFiles(t, dir)
}

func TestProcessRunnerConcurrentRunsShareTempDir(t *testing.T) {
	t.Parallel()
	r, dir := newShellRunner(t, 5*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := r.Run(context.Background(), Request{Language: "sh", Code: fmt.Sprintf("echo %d\n", i)})
			if err != nil {
				errs <- err
				return
			}
			if strings.TrimSpace(out.Stdout) != strconv.Itoa(i) {
				errs <- fmt.Errorf("run %d: unexpected stdout %q", i, out.Stdout)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	assertNoSourceFiles(t, dir)
}

func TestProcessGroupSkipsKillAfterReap(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	g := &processGroup{cmd: cmd}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	g.markReaped()
	g.kill()
	if g.kills != 0 {
		t.Fatalf("kill sent to a reaped group: %d", g.kills)
	}
}
