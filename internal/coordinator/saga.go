package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/patch-storefront/internal/coordinator/journal"
)

// Step represents a single unit of work in the checkout pipeline.
// Compensate undoes Execute's external effect, or does nothing when the
// effect is meant to survive a later failure.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// Orchestrator runs Steps in order and compensates completed ones in
// reverse order when a later step fails.
type Orchestrator struct {
	sagaID  string
	steps   []Step
	journal journal.Repository
}

// NewOrchestrator builds a pipeline. repo may be nil, in which case nothing
// is journaled.
func NewOrchestrator(sagaID string, steps []Step, repo journal.Repository) *Orchestrator {
	return &Orchestrator{sagaID: sagaID, steps: steps, journal: repo}
}

// Start runs the steps sequentially and returns the first step error,
// unchanged, after compensation.
func (o *Orchestrator) Start(ctx context.Context) error {
	var done []Step

	o.record(ctx, journal.StatusStarted, "", nil)
	for _, step := range o.steps {
		slog.DebugContext(ctx, "executing step", "saga_id", o.sagaID, "step", step.Name())
		if err := step.Execute(ctx); err != nil {
			slog.WarnContext(ctx, "step failed, compensating", "saga_id", o.sagaID, "step", step.Name(), "error", err)
			o.record(ctx, journal.StatusFailed, step.Name(), []string{err.Error()})
			o.rollback(ctx, done)
			return err
		}
		o.record(ctx, journal.StatusStepDone, step.Name(), nil)
		done = append(done, step)
	}

	o.record(ctx, journal.StatusCompleted, "", nil)
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, steps []Step) {
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		o.record(ctx, journal.StatusCompensating, step.Name(), nil)
		if err := step.Compensate(ctx); err != nil {
			slog.ErrorContext(ctx, "CRITICAL: failed to compensate step",
				"saga_id", o.sagaID,
				"step", step.Name(),
				"error", err,
			)
			o.record(ctx, journal.StatusFailed, step.Name(), []string{fmt.Sprintf("compensation: %v", err)})
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, status journal.Status, step string, errs []string) {
	if err := journal.Record(ctx, o.journal, journal.NewEntry(ctx, o.sagaID, status, step, "", errs)); err != nil {
		slog.WarnContext(ctx, "journal append failed", "saga_id", o.sagaID, "error", err)
	}
}
