// Package engine is the boundary to the external data-flow analysis.
//
// The analysis itself is a black box. An Engine gets a Request, blocks until
// the analysis is over and calls the results callback exactly once on success,
// with nil meaning no results were found.
package engine

import (
	"context"

	"github.com/CZERTAINLY/Infoflow/internal/model"
)

// ResultsFunc is the single-shot completion callback.
type ResultsFunc func(results *model.Results)

type Request struct {
	Input        string
	ConfigDir    string
	TaintWrapper string
	SourcesSinks string
	PathTracking string
	// Progress receives diagnostic lines while the engine runs, may be nil
	Progress func(line string)
}

func RequestFor(job model.Job, progress func(line string)) Request {
	return Request{
		Input:        job.Input,
		ConfigDir:    job.ConfigDir,
		TaintWrapper: job.TaintWrapper,
		SourcesSinks: job.SourcesSinks,
		PathTracking: job.PathTracking,
		Progress:     progress,
	}
}

func (r Request) args() []string {
	return []string{
		"--apk", r.Input,
		"--platforms", r.ConfigDir,
		"--taint-wrapper", r.TaintWrapper,
		"--sources-sinks", r.SourcesSinks,
		"--path-tracking", r.PathTracking,
	}
}

type Engine interface {
	Analyze(ctx context.Context, req Request, onResults ResultsFunc) error
}

// Func adapts an ordinary function to the Engine interface.
type Func func(ctx context.Context, req Request, onResults ResultsFunc) error

func (f Func) Analyze(ctx context.Context, req Request, onResults ResultsFunc) error {
	return f(ctx, req, onResults)
}
