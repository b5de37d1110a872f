package workflow

import (
	"errors"
	"fmt"

	"stageguard/internal/recovery"
	"stageguard/internal/status"
)

// Step is one stage of a Pipeline.
type Step struct {
	Stage status.Stage
	// Dependency overrides the dependency configured for Stage.
	Dependency string
	// Cost is the token cost reserved against the dependency's limiter.
	Cost int
	Task recovery.Task
}

// Pipeline is the ordered list of steps an item passes through. Steps follow
// the workflow's working stage order.
type Pipeline struct {
	steps []Step
	index map[status.Stage]int
}

// NewPipeline validates steps against wf.
func NewPipeline(wf *status.Workflow, steps ...Step) (*Pipeline, error) {
	if len(steps) == 0 {
		return nil, errors.New("pipeline has no steps")
	}
	if wf == nil {
		wf = status.DefaultWorkflow()
	}
	p := &Pipeline{index: make(map[status.Stage]int, len(steps))}
	last := -1
	working := wf.Working()
	for _, step := range steps {
		if step.Task == nil {
			return nil, fmt.Errorf("pipeline step %s has no task", step.Stage)
		}
		pos := -1
		for i, stage := range working {
			if stage == step.Stage {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("pipeline step %s is not a working stage", step.Stage)
		}
		if pos <= last {
			return nil, fmt.Errorf("pipeline step %s is out of order", step.Stage)
		}
		last = pos
		p.index[step.Stage] = len(p.steps)
		p.steps = append(p.steps, step)
	}
	return p, nil
}

// Steps returns a copy of the steps.
func (p *Pipeline) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

// from returns the steps to run for an item resuming at stage. Unknown stages
// start from the first step.
func (p *Pipeline) from(stage status.Stage) []Step {
	if i, ok := p.index[stage]; ok {
		return p.steps[i:]
	}
	return p.steps
}
