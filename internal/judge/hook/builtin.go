package hook

import (
	"context"

	"dwoj/internal/judge/model"
	"dwoj/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	VerdictLogName = "verdict-log"
	MetricsName    = "metrics"
)

// VerdictLog logs every final verdict.
func VerdictLog() Handler {
	return Handler{
		Name: VerdictLogName,
		AfterJudge: func(ctx context.Context, sub *model.Submission) (any, error) {
			passed := 0
			for _, r := range sub.CaseResults {
				if r.Status == model.CaseAC {
					passed++
				}
			}
			logger.Info(ctx, "judge verdict",
				zap.Int64("submission_id", sub.ID),
				zap.Int64("problem_id", sub.ProblemID),
				zap.String("username", sub.Username),
				zap.String("language", sub.Language),
				zap.String("status", string(sub.Status)),
				zap.Int("passed", passed),
				zap.Int("cases", len(sub.CaseResults)))
			return nil, nil
		},
	}
}

// Metrics counts verdicts per language. The counter must be registered by the caller.
func Metrics(verdicts *prometheus.CounterVec) Handler {
	return Handler{
		Name: MetricsName,
		AfterJudge: func(ctx context.Context, sub *model.Submission) (any, error) {
			verdicts.WithLabelValues(sub.Language, string(sub.Status)).Inc()
			return nil, nil
		},
	}
}

// NewVerdictCounter builds the counter used by Metrics. It only sees passes
// that reach afterJudge; the service's dwoj_judge_verdicts_total counts every persisted verdict.
func NewVerdictCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dwoj",
		Subsystem: "hook",
		Name:      "verdicts_total",
		Help:      "Verdicts seen by the metrics hook, by language and status. Sample plugin counter; dwoj_judge_verdicts_total is authoritative.",
	}, []string{"language", "status"})
}

// Builtins returns the built-in handlers keyed by name.
func Builtins(verdicts *prometheus.CounterVec) []Handler {
	return []Handler{VerdictLog(), Metrics(verdicts)}
}

// RegisterBuiltins adds built-ins, enabling those named in enabled. A nil list enables all.
func RegisterBuiltins(r *Registry, verdicts *prometheus.CounterVec, enabled []string) error {
	on := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		on[name] = true
	}
	for _, h := range Builtins(verdicts) {
		if err := r.Register(h, enabled == nil || on[h.Name]); err != nil {
			return err
		}
	}
	return nil
}
