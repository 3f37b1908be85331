// Package hook runs the before/after judge extension points.
package hook

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"dwoj/internal/judge/model"
	"dwoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// Point names an extension point.
type Point string

const (
	BeforeJudge Point = "beforeJudge"
	AfterJudge  Point = "afterJudge"
)

// Dispatcher is what the judge calls. Implementations must never fail the caller;
// handler errors are contained and only non-nil results are returned.
type Dispatcher interface {
	BeforeJudge(ctx context.Context, sub *model.Submission) []any
	AfterJudge(ctx context.Context, sub *model.Submission) []any
}

// Func is a handler for one extension point.
type Func func(ctx context.Context, sub *model.Submission) (any, error)

// Handler is a named plugin with optional functions per point.
type Handler struct {
	Name        string
	BeforeJudge Func
	AfterJudge  Func
}

// Info describes a registered handler.
type Info struct {
	Name    string  `json:"name"`
	Enabled bool    `json:"enabled"`
	Points  []Point `json:"points"`
}

type entry struct {
	handler Handler
	enabled bool
}

// Registry is a Dispatcher over named handlers run in registration order.
// A handler only runs while enabled.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler. Names are unique.
func (r *Registry) Register(h Handler, enabled bool) error {
	if h.Name == "" {
		return fmt.Errorf("hook name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.handler.Name == h.Name {
			return fmt.Errorf("hook %q already registered", h.Name)
		}
	}
	r.entries = append(r.entries, &entry{handler: h, enabled: enabled})
	return nil
}

// SetEnabled toggles a handler. It reports false for an unknown name.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.handler.Name == name {
			e.enabled = enabled
			return true
		}
	}
	return false
}

// Handlers lists registered handlers.
func (r *Registry) Handlers() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		info := Info{Name: e.handler.Name, Enabled: e.enabled}
		if e.handler.BeforeJudge != nil {
			info.Points = append(info.Points, BeforeJudge)
		}
		if e.handler.AfterJudge != nil {
			info.Points = append(info.Points, AfterJudge)
		}
		out = append(out, info)
	}
	return out
}

func (r *Registry) BeforeJudge(ctx context.Context, sub *model.Submission) []any {
	return r.emit(ctx, BeforeJudge, sub)
}

func (r *Registry) AfterJudge(ctx context.Context, sub *model.Submission) []any {
	return r.emit(ctx, AfterJudge, sub)
}

type call struct {
	name string
	fn   Func
}

func (r *Registry) emit(ctx context.Context, point Point, sub *model.Submission) []any {
	// snapshot so handlers may call SetEnabled
	r.mu.RLock()
	calls := make([]call, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.enabled {
			continue
		}
		fn := e.handler.BeforeJudge
		if point == AfterJudge {
			fn = e.handler.AfterJudge
		}
		if fn != nil {
			calls = append(calls, call{name: e.handler.Name, fn: fn})
		}
	}
	r.mu.RUnlock()

	var results []any
	for _, c := range calls {
		res, err := invoke(ctx, c.fn, sub)
		if err != nil {
			logger.Warn(ctx, "hook failed",
				zap.String("hook", c.name),
				zap.String("point", string(point)),
				zap.Error(err))
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results
}

func invoke(ctx context.Context, fn Func, sub *model.Submission) (res any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx, sub)
}

// Nop is a Dispatcher without handlers.
type Nop struct{}

func (Nop) BeforeJudge(context.Context, *model.Submission) []any { return nil }
func (Nop) AfterJudge(context.Context, *model.Submission) []any { return nil }
