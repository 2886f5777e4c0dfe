package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Infoflow/internal/model"
	"github.com/CZERTAINLY/Infoflow/internal/report"
)

var errSoftTimeout = errors.New("soft timeout expired")

// SoftSupervisor runs a JobRunner on a worker goroutine and stops waiting for
// it once the budget expires. Cancellation is advisory, an engine ignoring its
// context keeps running in the background until the process exits.
type SoftSupervisor struct {
	runner JobRunner
}

func NewSoftSupervisor(runner JobRunner) *SoftSupervisor {
	return &SoftSupervisor{runner: runner}
}

// RunWithBudget returns the job result, or TimedOut when the job does not end
// within budget. The worker context is canceled on return in every case.
func (s *SoftSupervisor) RunWithBudget(ctx context.Context, job model.Job, budget time.Duration, p report.Printer) model.Result {
	if budget <= 0 {
		return model.Failure(model.ErrNoBudget)
	}

	started := time.Now().UTC()
	workerCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan model.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.Failure(fmt.Errorf("job panicked: %v", r))
			}
		}()
		done <- s.runner.Run(workerCtx, job, p)
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	slog.DebugContext(ctx, "running infoflow task", "budget", budget.String())
	select {
	case res := <-done:
		return res
	case <-timer.C:
		cancel(errSoftTimeout)
		slog.DebugContext(ctx, "infoflow task canceled", "budget", budget.String())
		res := model.TimedOut()
		res.Started = started
		res.Stopped = time.Now().UTC()
		return res
	case <-ctx.Done():
		return model.Failure(fmt.Errorf("infoflow computation interrupted: %w", context.Cause(ctx)))
	}
}
