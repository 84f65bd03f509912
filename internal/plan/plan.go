// Package plan runs an ordered list of actions against one target, stopping
// at the first failure that is not best-effort.
package plan

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/eniac111/plumbdeploy/internal/types"
)

// State is where a plan is in its lifecycle.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// Executor runs one action. *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, action types.Action, target types.Target, timeout time.Duration) types.ExecutionResult
}

// Timeouts are applied per action: Sync for SyncFiles, Command for the rest.
type Timeouts struct {
	Sync    time.Duration
	Command time.Duration
}

func (t Timeouts) For(a types.Action) time.Duration {
	if a.Kind() == types.KindSyncFiles {
		return t.Sync
	}
	return t.Command
}

// StepResult pairs an execution result with how its failure is treated.
type StepResult struct {
	types.ExecutionResult
	BestEffort bool
}

// Outcome is the record of one plan run.
type Outcome struct {
	Plan    string
	Target  types.Target
	State   State
	Results []StepResult
	Skipped int // steps not run after a fail-fast abort
}

// Succeeded reports whether every non-best-effort step succeeded.
func (o *Outcome) Succeeded() bool { return o.State == Succeeded }

// FirstFailure returns the result that aborted the plan, if any.
func (o *Outcome) FirstFailure() (StepResult, bool) {
	for _, r := range o.Results {
		if !r.Succeeded && !r.BestEffort {
			return r, true
		}
	}
	return StepResult{}, false
}

// Runner executes plans. It keeps no state between runs.
type Runner struct {
	Exec     Executor
	Timeouts Timeouts
	Logger   *log.Logger
}

// Run executes p against target. There is no retry here; retries live in the
// executor and only cover connecting.
func (r *Runner) Run(ctx context.Context, p types.Plan, target types.Target) *Outcome {
	logger := r.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	out := &Outcome{Plan: p.Name, Target: target, State: Pending}
	transition := func(s State) {
		logger.Printf("plan %s on %s: %s -> %s", p.Name, target.ID, out.State, s)
		out.State = s
	}

	transition(Running)
	for i, step := range p.Steps {
		res := r.Exec.Execute(ctx, step.Action, target, r.Timeouts.For(step.Action))
		best := step.IsBestEffort()
		out.Results = append(out.Results, StepResult{ExecutionResult: res, BestEffort: best})

		if res.Succeeded {
			continue
		}
		if best {
			logger.Printf("plan %s: best-effort step %q failed: %v", p.Name, res.ActionRef, res.Err)
			continue
		}
		out.Skipped = len(p.Steps) - i - 1
		transition(Failed)
		return out
	}
	transition(Succeeded)
	return out
}
