// Package testcase resolves a problem's on-disk test data into ordered input/output pairs.
package testcase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	InputExt  = ".in"
	OutputExt = ".out"
)

// Error texts recorded on a Data Error submission.
const (
	DataMissingText = "test data missing"
	NoTestCasesText = "no test cases"
)

// AcceptancePolicy selects the denominator a fully passing run is compared against.
type AcceptancePolicy string

const (
	// AcceptRaw counts every input file, including inputs with no expected output.
	AcceptRaw AcceptancePolicy = "raw"
	// AcceptPaired counts only complete input/output pairs.
	AcceptPaired AcceptancePolicy = "paired"
)

// ParseAcceptancePolicy validates a configured policy. Empty means raw.
func ParseAcceptancePolicy(s string) (AcceptancePolicy, error) {
	switch AcceptancePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", AcceptRaw:
		return AcceptRaw, nil
	case AcceptPaired:
		return AcceptPaired, nil
	default:
		return "", appErr.ValidationError("acceptance", fmt.Sprintf("unknown policy %q, expected raw or paired", s))
	}
}

// Case is one input/expected-output pair sharing a base name.
type Case struct {
	Name       string
	InputPath  string
	OutputPath string
}

// ReadInput returns the raw input blob.
func (c Case) ReadInput() (string, error) {
	data, err := os.ReadFile(c.InputPath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "read input %s failed", c.Name)
	}
	return string(data), nil
}

// ReadExpected returns the expected output with trailing whitespace removed.
func (c Case) ReadExpected() (string, error) {
	data, err := os.ReadFile(c.OutputPath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "read expected output %s failed", c.Name)
	}
	return TrimOutput(string(data)), nil
}

// TrimOutput strips trailing whitespace before comparison. Unicode spaces
// such as NBSP and the byte order mark count as whitespace.
func TrimOutput(s string) string {
	return strings.TrimRightFunc(s, isTrimSpace)
}

func isTrimSpace(r rune) bool {
	return unicode.IsSpace(r) || r == '\uFEFF'
}

// Set is the result of one load.
type Set struct {
	ProblemID int64
	Dir       string
	// Cases holds complete pairs in directory-listing order.
	Cases []Case
	// RawInputCount counts every input file found, paired or not.
	RawInputCount int
}

// Orphans is the number of inputs skipped for lack of an expected output.
func (s Set) Orphans() int {
	return s.RawInputCount - len(s.Cases)
}

// Denominator is the passed-case count required for Accepted under the policy.
func (s Set) Denominator(policy AcceptancePolicy) int {
	if policy == AcceptPaired {
		return len(s.Cases)
	}
	return s.RawInputCount
}

// Source provides test data for a problem whose directory is missing locally.
type Source interface {
	Fetch(ctx context.Context, problemID int64, dir string) error
}

// Loader reads problem data directories under a root.
type Loader struct {
	root   string
	source Source
	group  singleflight.Group
}

// NewLoader creates a loader. source may be nil.
func NewLoader(root string, source Source) *Loader {
	return &Loader{root: root, source: source}
}

// Root returns the data root.
func (l *Loader) Root() string {
	return l.root
}

// Dir returns the data directory of a problem.
func (l *Loader) Dir(problemID int64) string {
	return filepath.Join(l.root, strconv.FormatInt(problemID, 10))
}

// Load enumerates the problem's test cases.
// A missing directory is DataMissing and a directory without input files is NoTestCases.
func (l *Loader) Load(ctx context.Context, problemID int64) (Set, error) {
	dir := l.Dir(problemID)
	set := Set{ProblemID: problemID, Dir: dir}

	exists, err := isDir(dir)
	if err != nil {
		return set, appErr.Wrapf(err, appErr.JudgeSystemError, "stat data dir failed")
	}
	if !exists && l.source != nil {
		if err := l.fetch(ctx, problemID, dir); err != nil {
			return set, err
		}
		exists, err = isDir(dir)
		if err != nil {
			return set, appErr.Wrapf(err, appErr.JudgeSystemError, "stat data dir failed")
		}
	}
	if !exists {
		return set, appErr.New(appErr.DataMissing).WithMessage(DataMissingText).WithDetail("problem_id", problemID)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return set, appErr.Wrapf(err, appErr.JudgeSystemError, "list data dir failed")
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, InputExt) {
			continue
		}
		set.RawInputCount++
		stem := strings.TrimSuffix(name, InputExt)
		outPath := filepath.Join(dir, stem+OutputExt)
		if _, err := os.Stat(outPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return set, appErr.Wrapf(err, appErr.JudgeSystemError, "stat expected output failed")
			}
			logger.Debug(ctx, "input without expected output skipped",
				zap.Int64("problem_id", problemID), zap.String("case", stem))
			continue
		}
		set.Cases = append(set.Cases, Case{
			Name:       stem,
			InputPath:  filepath.Join(dir, name),
			OutputPath: outPath,
		})
	}
	if set.RawInputCount == 0 {
		return set, appErr.New(appErr.NoTestCases).WithMessage(NoTestCasesText).WithDetail("problem_id", problemID)
	}
	return set, nil
}

// fetch pulls the data pack once even when many submissions of the same problem arrive together.
func (l *Loader) fetch(ctx context.Context, problemID int64, dir string) error {
	key := strconv.FormatInt(problemID, 10)
	_, err, shared := l.group.Do(key, func() (interface{}, error) {
		return nil, l.source.Fetch(ctx, problemID, dir)
	})
	if err == nil {
		return nil
	}
	if appErr.Is(err, appErr.DataMissing) {
		return appErr.New(appErr.DataMissing).WithMessage(DataMissingText).WithDetail("problem_id", problemID)
	}
	logger.Warn(ctx, "fetch test data failed",
		zap.Int64("problem_id", problemID), zap.Bool("shared", shared), zap.Error(err))
	return appErr.Wrapf(err, appErr.JudgeSystemError, "fetch test data failed")
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
