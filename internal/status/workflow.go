package status

import (
	"fmt"
	"slices"
	"strings"
)

// Workflow is the transition table for one pipeline. It is built from the
// caller's ordered working stages and injected into the Store.
//
//	DISCOVERED → QUEUED → <working…> → {COMPLETED | FAILED | RETRY_PENDING}
//	RETRY_PENDING → QUEUED
//	FAILED → RETRY_PENDING         while retry_count < max_retries
//	COMPLETED → <first working>    forced reprocessing only
//	<non-terminal> → FAILED        forced only
//
// Working stages advance monotonically; a retry rewinds through QUEUED.
type Workflow struct {
	working []Stage
	index   map[Stage]int
}

// NewWorkflow builds a transition table over the given working stages.
func NewWorkflow(stages ...string) (*Workflow, error) {
	if len(stages) == 0 {
		stages = []string{string(DefaultWorkingStage)}
	}
	wf := &Workflow{index: make(map[Stage]int, len(stages))}
	for _, name := range stages {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("workflow: empty stage name")
		}
		stage := Stage(name)
		if isLifecycle(stage) {
			return nil, fmt.Errorf("workflow: %q is a lifecycle stage", name)
		}
		if _, dup := wf.index[stage]; dup {
			return nil, fmt.Errorf("workflow: duplicate stage %q", name)
		}
		wf.index[stage] = len(wf.working)
		wf.working = append(wf.working, stage)
	}
	return wf, nil
}

// DefaultWorkflow returns the single-stage PROCESSING table.
func DefaultWorkflow() *Workflow {
	wf, _ := NewWorkflow()
	return wf
}

func isLifecycle(s Stage) bool {
	switch s {
	case StageDiscovered, StageQueued, StageRetryPending, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Working returns the working stages in order.
func (w *Workflow) Working() []Stage {
	return slices.Clone(w.working)
}

// First returns the first working stage.
func (w *Workflow) First() Stage {
	return w.working[0]
}

// IsWorking reports whether s is one of the caller's working stages.
func (w *Workflow) IsWorking(s Stage) bool {
	_, ok := w.index[s]
	return ok
}

// Known reports whether s is a lifecycle or working stage.
func (w *Workflow) Known(s Stage) bool {
	return isLifecycle(s) || w.IsWorking(s)
}

// Check validates moving rec to stage to. A nil error means the edge exists.
func (w *Workflow) Check(rec *Record, to Stage, force bool) error {
	from := rec.Stage
	if !w.Known(to) {
		return fmt.Errorf("%w: unknown stage %q", ErrIllegalTransition, to)
	}
	if from == to {
		return fmt.Errorf("%w: already %s", ErrIllegalTransition, from)
	}
	if w.allowed(rec, to, force) {
		return nil
	}
	if from == StageFailed && to == StageRetryPending {
		return fmt.Errorf("%w: %d of %d retries used", ErrRetryBudgetExceeded, rec.RetryCount, rec.MaxRetries)
	}
	return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
}

func (w *Workflow) allowed(rec *Record, to Stage, force bool) bool {
	from := rec.Stage
	switch {
	case from == StageDiscovered:
		return to == StageQueued || (force && to == StageFailed)
	case from == StageQueued:
		return w.IsWorking(to) || (force && to == StageFailed)
	case from == StageRetryPending:
		return to == StageQueued || (force && to == StageFailed)
	case from == StageFailed:
		return to == StageRetryPending && rec.RetryCount < rec.MaxRetries
	case from == StageCompleted:
		return force && to == w.First()
	case w.IsWorking(from):
		switch to {
		case StageCompleted, StageFailed, StageRetryPending:
			return true
		}
		next, ok := w.index[to]
		return ok && next > w.index[from]
	}
	return false
}
