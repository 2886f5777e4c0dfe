package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Infoflow/internal/engine"
	"github.com/CZERTAINLY/Infoflow/internal/model"
	"github.com/CZERTAINLY/Infoflow/internal/report"
)

// JobRunner executes one analysis job to completion or failure. It has no
// timeout of its own.
type JobRunner interface {
	Run(ctx context.Context, job model.Job, p report.Printer) model.Result
}

// Runner is the JobRunner calling the analysis engine.
type Runner struct {
	engine engine.Engine
}

func NewRunner(e engine.Engine) *Runner {
	return &Runner{engine: e}
}

// Run checks the configuration inputs of job are readable, runs the engine
// and writes progress lines to p while it runs. The engine results are
// returned, not printed.
func (r *Runner) Run(ctx context.Context, job model.Job, p report.Printer) model.Result {
	started := time.Now().UTC()
	res := r.run(ctx, job, p, started)
	res.Started = started
	res.Stopped = time.Now().UTC()
	return res
}

func (r *Runner) run(ctx context.Context, job model.Job, p report.Printer, started time.Time) model.Result {
	for _, path := range []string{job.Input, job.TaintWrapper, job.SourcesSinks} {
		if err := readable(path); err != nil {
			return model.Failure(fmt.Errorf("could not read file: %w", err))
		}
	}

	var results *model.Results
	var called bool
	onResults := func(res *model.Results) {
		if called {
			slog.WarnContext(ctx, "engine reported results twice: ignoring")
			return
		}
		called = true
		results = res
	}

	p.Print("Running data flow analysis...")
	err := r.engine.Analyze(ctx, engine.RequestFor(job, p.Print), onResults)
	if err != nil {
		return model.Failure(err)
	}
	p.Print("Data flow analysis done.")
	p.Print(fmt.Sprintf("Analysis has run for %g seconds", time.Since(started).Seconds()))
	return model.Success(results)
}

// readable opens path for reading, existence alone is not enough.
func readable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
