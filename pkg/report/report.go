// Package report accumulates the ordered step list of one launch.
package report

import (
	"fmt"
	"strings"
	"sync"
)

type Outcome int

const (
	Success Outcome = iota
	Failed
	Pending
	Skipped
	NotAttempted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Pending:
		return "pending"
	case Skipped:
		return "skipped"
	case NotAttempted:
		return "not_attempted"
	default:
		return "unknown"
	}
}

type Step struct {
	Label   string
	Outcome Outcome
	Detail  string
}

// Report is append-only. Steps are never removed or reordered and their
// outcome never changes; only the detail of a step may be filled in later
// through its StepRef.
type Report struct {
	mu    sync.Mutex
	steps []Step
}

func New() *Report {
	return &Report{}
}

// StepRef points at one appended step.
type StepRef struct {
	report *Report
	index  int
}

// SetDetail replaces the detail text of the referenced step.
func (s StepRef) SetDetail(detail string) {
	if s.report == nil {
		return
	}
	s.report.mu.Lock()
	defer s.report.mu.Unlock()
	s.report.steps[s.index].Detail = detail
}

func (r *Report) Add(label string, outcome Outcome, detail string) StepRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, Step{Label: label, Outcome: outcome, Detail: detail})
	return StepRef{report: r, index: len(r.steps) - 1}
}

func (r *Report) Addf(label string, outcome Outcome, format string, args ...interface{}) StepRef {
	return r.Add(label, outcome, fmt.Sprintf(format, args...))
}

// Steps returns a copy of the steps in append order.
func (r *Report) Steps() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

// Failed reports whether any step failed.
func (r *Report) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		if s.Outcome == Failed {
			return true
		}
	}
	return false
}

// Summary is the short reason line for the whole report.
func Summary(steps []Step) string {
	if len(steps) == 0 {
		return "Nothing attempted"
	}
	for _, s := range steps {
		if s.Outcome == Failed {
			if s.Detail == "" {
				return fmt.Sprintf("%s failed", s.Label)
			}
			return fmt.Sprintf("%s failed: %s", s.Label, s.Detail)
		}
	}

	counts := make(map[Outcome]int)
	for _, s := range steps {
		counts[s.Outcome]++
	}
	summary := fmt.Sprintf("%d of %d steps succeeded", counts[Success], len(steps))
	var rest []string
	for _, o := range []Outcome{Pending, Skipped, NotAttempted} {
		if counts[o] > 0 {
			rest = append(rest, fmt.Sprintf("%d %s", counts[o], o))
		}
	}
	if len(rest) > 0 {
		summary += " (" + strings.Join(rest, ", ") + ")"
	}
	return summary
}

// Format renders one line per step for a details view.
func Format(steps []Step) string {
	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "%2d. [%s] %s", i+1, marker(s.Outcome), s.Label)
		if s.Detail != "" {
			fmt.Fprintf(&b, ": %s", s.Detail)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func marker(o Outcome) string {
	switch o {
	case Success:
		return "OK"
	case Failed:
		return "FAIL"
	case Pending:
		return "..."
	case Skipped:
		return "SKIP"
	case NotAttempted:
		return "--"
	default:
		return "?"
	}
}
