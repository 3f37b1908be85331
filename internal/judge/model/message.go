package model

// JudgeMessage is the Kafka payload asking for a submission to be judged.
type JudgeMessage struct {
	SubmissionID int64 `json:"submission_id"`
}

// StatusEventType identifies a status event kind.
type StatusEventType string

const (
	StatusEventFinal StatusEventType = "final"
)

// StatusEvent is published after a verdict has been persisted.
type StatusEvent struct {
	Type      StatusEventType `json:"type"`
	Status    StatusView      `json:"status"`
	CreatedAt int64           `json:"created_at"`
}

// StatusView is what the HTTP API and the status cache expose. Source code is left out.
type StatusView struct {
	SubmissionID int64        `json:"submission_id"`
	ProblemID    int64        `json:"problem_id"`
	Username     string       `json:"username"`
	Language     string       `json:"language"`
	Status       Status       `json:"status"`
	Time         string       `json:"time"`
	CaseResults  []CaseResult `json:"case_results"`
	ErrorInfo    *string      `json:"error_info,omitempty"`
}

// ViewOf builds the public view of a submission.
func ViewOf(s *Submission) StatusView {
	results := s.CaseResults
	if results == nil {
		results = []CaseResult{}
	}
	return StatusView{
		SubmissionID: s.ID,
		ProblemID:    s.ProblemID,
		Username:     s.Username,
		Language:     s.Language,
		Status:       s.Status,
		Time:         s.Time,
		CaseResults:  results,
		ErrorInfo:    s.ErrorInfo,
	}
}
