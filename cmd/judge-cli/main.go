package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dwoj/internal/judge/hook"
	"dwoj/internal/judge/model"
	"dwoj/internal/judge/repository"
	"dwoj/internal/judge/runner"
	"dwoj/internal/judge/service"
	"dwoj/internal/judge/testcase"
	"dwoj/pkg/utils/logger"
)

const localSubmissionID = 1

type options struct {
	problemDir string
	problemID  int64
	language   string
	srcPath    string
	timeout    time.Duration
	acceptance string
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.problemDir, "problem-dir", "data/problems", "Root holding one test-data directory per problem")
	flag.Int64Var(&opts.problemID, "problem", 0, "Problem id (a directory under -problem-dir)")
	flag.StringVar(&opts.language, "lang", "", "Language tag; guessed from the source extension when empty")
	flag.StringVar(&opts.srcPath, "src", "", "Source file to judge")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Second, "Wall-clock limit per test case")
	flag.StringVar(&opts.acceptance, "acceptance", string(testcase.AcceptRaw), "Acceptance policy: raw or paired")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "Log level")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: opts.logLevel, Format: "console", OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(2)
	}
	defer func() {
		_ = logger.Sync()
	}()

	sub, err := judge(context.Background(), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "judge failed: %v\n", err)
		os.Exit(2)
	}
	printVerdict(os.Stdout, sub)
	if sub.Status != model.StatusAccepted {
		os.Exit(1)
	}
}

func judge(ctx context.Context, opts options) (*model.Submission, error) {
	if opts.problemID <= 0 || opts.srcPath == "" {
		return nil, fmt.Errorf("-problem and -src are required")
	}
	code, err := os.ReadFile(opts.srcPath)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	acceptance, err := testcase.ParseAcceptancePolicy(opts.acceptance)
	if err != nil {
		return nil, err
	}
	languages, err := runner.NewLanguages(runner.DefaultLanguages())
	if err != nil {
		return nil, err
	}
	lang := opts.language
	if lang == "" {
		lang = strings.TrimPrefix(filepath.Ext(opts.srcPath), ".")
	}

	tempDir, err := os.MkdirTemp("", "dwoj-judge-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)
	procRunner, err := runner.NewProcessRunner(runner.Config{TempDir: tempDir, Timeout: opts.timeout}, languages)
	if err != nil {
		return nil, err
	}

	store := repository.NewMemoryStore(&model.Submission{
		ID:        localSubmissionID,
		ProblemID: opts.problemID,
		Username:  "local",
		Language:  lang,
		Code:      string(code),
		Status:    model.StatusPending,
		Time:      time.Now().Format(time.DateTime),
	})
	hooks := hook.NewRegistry()
	if err := hooks.Register(hook.VerdictLog(), true); err != nil {
		return nil, err
	}
	svc, err := service.NewService(service.Config{
		Store:      store,
		Runner:     procRunner,
		Loader:     testcase.NewLoader(opts.problemDir, nil),
		Languages:  languages,
		Hooks:      hooks,
		Acceptance: acceptance,
	})
	if err != nil {
		return nil, err
	}
	return svc.Judge(ctx, localSubmissionID)
}

func printVerdict(w io.Writer, sub *model.Submission) {
	for _, r := range sub.CaseResults {
		fmt.Fprintf(w, "%-12s %s\n", r.Name, r.Status)
	}
	fmt.Fprintf(w, "verdict: %s\n", sub.Status)
	if msg := sub.ErrorText(); msg != "" {
		fmt.Fprintf(w, "error: %s\n", msg)
	}
}
