package model

import (
	"encoding/json"
	"fmt"
)

// Status is the persisted lifecycle state of a submission.
type Status string

const (
	StatusPending      Status = "Pending"
	StatusRunning      Status = "Running"
	StatusAccepted     Status = "Accepted"
	StatusWrongAnswer  Status = "Wrong Answer"
	StatusRuntimeError Status = "Runtime Error"
	StatusDataError    Status = "Data Error"
)

// IsTerminal reports whether a judging pass ends in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusRuntimeError, StatusDataError:
		return true
	default:
		return false
	}
}

// CaseVerdict is the per-test-case outcome.
type CaseVerdict string

const (
	CaseAC CaseVerdict = "AC"
	CaseWA CaseVerdict = "WA"
)

// CaseResult is one entry of a submission's ordered case list.
type CaseResult struct {
	Name   string      `json:"name"`
	Status CaseVerdict `json:"status"`
}

// Submission is the judged entity. The aggregator owns it for one pass.
type Submission struct {
	ID          int64        `json:"id" db:"id"`
	ProblemID   int64        `json:"problem_id" db:"problem_id"`
	UserID      int64        `json:"user_id" db:"user_id"`
	Username    string       `json:"username" db:"username"`
	Language    string       `json:"language" db:"language"`
	Code        string       `json:"code" db:"code"`
	Status      Status       `json:"status" db:"status"`
	Time        string       `json:"time" db:"time"`
	CaseResults []CaseResult `json:"case_results" db:"-"`
	ErrorInfo   *string      `json:"error_info,omitempty" db:"error_info"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	if s.CaseResults != nil {
		out.CaseResults = make([]CaseResult, len(s.CaseResults))
		copy(out.CaseResults, s.CaseResults)
	}
	if s.ErrorInfo != nil {
		info := *s.ErrorInfo
		out.ErrorInfo = &info
	}
	return &out
}

// SetError records error text; an empty message clears it.
func (s *Submission) SetError(msg string) {
	if msg == "" {
		s.ErrorInfo = nil
		return
	}
	s.ErrorInfo = &msg
}

// ErrorText returns the error text or "".
func (s *Submission) ErrorText() string {
	if s.ErrorInfo == nil {
		return ""
	}
	return *s.ErrorInfo
}

// EncodeCaseResults serializes case results as an ordered JSON array.
// A nil list encodes as "[]".
func EncodeCaseResults(results []CaseResult) (string, error) {
	if results == nil {
		results = []CaseResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal case results failed: %w", err)
	}
	return string(data), nil
}

// DecodeCaseResults parses a stored case-result column. Empty input yields an empty list.
func DecodeCaseResults(raw string) ([]CaseResult, error) {
	if raw == "" {
		return []CaseResult{}, nil
	}
	var out []CaseResult
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []CaseResult{}, fmt.Errorf("unmarshal case results failed: %w", err)
	}
	if out == nil {
		out = []CaseResult{}
	}
	return out, nil
}
