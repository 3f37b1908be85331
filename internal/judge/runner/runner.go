// Package runner executes submitted code in short-lived interpreter processes.
package runner

import (
	"context"
	"fmt"
	"time"
)

// Runner executes one program against one input.
// A returned error means the run could not be attempted (bad language, temp dir, shutdown);
// execution failures of the program itself are reported through Outcome.
type Runner interface {
	Run(ctx context.Context, req Request) (Outcome, error)
}

// Request describes one run.
type Request struct {
	Language string
	Code     string
	Input    string
}

// FailureKind classifies a failed run.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureTimeout     FailureKind = "Timeout"
	FailureNonZeroExit FailureKind = "NonZeroExit"
	FailureSpawnError  FailureKind = "SpawnError"
)

// Outcome is the settled result of one run.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Failure  FailureKind
	// Message holds the underlying spawn error text.
	Message   string
	Duration  time.Duration
	Truncated bool
}

// Failed reports whether the run ended in a failure.
func (o Outcome) Failed() bool {
	return o.Failure != FailureNone
}

// Text returns the human-readable failure text stored on the submission.
func (o Outcome) Text() string {
	switch o.Failure {
	case FailureTimeout:
		return "Time Limit Exceeded"
	case FailureNonZeroExit:
		if o.Stderr != "" {
			return o.Stderr
		}
		return fmt.Sprintf("Runtime Error (Process exited with code %d)", o.ExitCode)
	case FailureSpawnError:
		return "System Error: " + o.Message
	default:
		return ""
	}
}
