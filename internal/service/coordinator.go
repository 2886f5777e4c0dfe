package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/CZERTAINLY/Infoflow/internal/claim"
	"github.com/CZERTAINLY/Infoflow/internal/log"
	"github.com/CZERTAINLY/Infoflow/internal/model"
	"github.com/CZERTAINLY/Infoflow/internal/report"
	"github.com/CZERTAINLY/Infoflow/internal/walk"
)

// CoordinatorConfig wires a Coordinator. Runner is always required, Hard only
// for model.TimeoutHard and Claimer only for directory inputs.
type CoordinatorConfig struct {
	Config  model.Config
	Mode    model.TimeoutMode
	Budget  time.Duration
	Runner  JobRunner
	Hard    *HardSupervisor
	Claimer claim.Claimer
	Owner   claim.Owner
	Console io.Writer
	// ConsoleOnly disables report files, used by the child of a hard timeout
	// whose stdout already is the report
	ConsoleOnly bool
}

// Coordinator runs a batch of jobs strictly one after another. Candidates of
// a directory are claimed first, so concurrent or restarted coordinators never
// process the same input twice. A failure of one job never ends the batch.
type Coordinator struct {
	cfg  CoordinatorConfig
	soft *SoftSupervisor
}

// Summary lists the input names per outcome.
type Summary struct {
	Claimed   []string
	Skipped   []string
	Succeeded []string
	Failed    []string
	TimedOut  []string
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("%w: job runner is nil", model.ErrConfiguration)
	}
	switch cfg.Mode {
	case model.TimeoutNone, "":
		cfg.Mode = model.TimeoutNone
	case model.TimeoutSoft:
		if cfg.Budget <= 0 {
			return nil, fmt.Errorf("%w: soft timeout: %w", model.ErrConfiguration, model.ErrNoBudget)
		}
	case model.TimeoutHard:
		if cfg.Budget <= 0 {
			return nil, fmt.Errorf("%w: hard timeout: %w", model.ErrConfiguration, model.ErrNoBudget)
		}
		if cfg.Hard == nil {
			return nil, fmt.Errorf("%w: hard timeout supervisor is nil", model.ErrConfiguration)
		}
	default:
		return nil, fmt.Errorf("%w: unknown timeout mode %q", model.ErrConfiguration, cfg.Mode)
	}
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}
	return &Coordinator{
		cfg:  cfg,
		soft: NewSoftSupervisor(cfg.Runner),
	}, nil
}

// Do discovers the inputs under root and attempts each of them in discovery
// order. It returns an error only when root can't be listed or ctx ends.
func (c *Coordinator) Do(ctx context.Context, root, configDir string) (Summary, error) {
	var summary Summary
	seq, isDir, err := walk.Inputs(ctx, root, c.cfg.Config.InputSuffix)
	if err != nil {
		return summary, err
	}
	if isDir && c.cfg.Claimer == nil {
		return summary, fmt.Errorf("%w: directory %s needs a claim store", model.ErrConfiguration, root)
	}

	for entry := range seq {
		if isDir && c.isMarker(entry.Name) {
			continue
		}
		if isDir {
			c.print("Analyzing file " + entry.Path + "...")
			err := c.cfg.Claimer.Claim(ctx, entry.Name, c.cfg.Owner)
			switch {
			case errors.Is(err, claim.ErrClaimed):
				slog.DebugContext(ctx, "input already claimed: skipping", "input", entry.Path)
				summary.Skipped = append(summary.Skipped, entry.Name)
				continue
			case err != nil:
				slog.ErrorContext(ctx, "claiming input failed: skipping", "input", entry.Path, "error", err)
				summary.Skipped = append(summary.Skipped, entry.Name)
				continue
			}
			summary.Claimed = append(summary.Claimed, entry.Name)
		}

		job := c.newJob(entry.Path, configDir)
		switch c.dispatch(ctx, job) {
		case model.OutcomeSuccess:
			summary.Succeeded = append(summary.Succeeded, entry.Name)
		case model.OutcomeFailure:
			summary.Failed = append(summary.Failed, entry.Name)
		case model.OutcomeTimedOut:
			summary.TimedOut = append(summary.TimedOut, entry.Name)
		}

		// bound the peak memory of a long batch
		debug.FreeOSMemory()

		if ctx.Err() != nil {
			return summary, context.Cause(ctx)
		}
	}
	return summary, ctx.Err()
}

func (c *Coordinator) newJob(input, configDir string) model.Job {
	cfg := c.cfg.Config
	return model.Job{
		Input:        input,
		ConfigDir:    configDir,
		TaintWrapper: firstExisting(cfg.TaintWrappers),
		SourcesSinks: cfg.SourcesSinks,
		PathTracking: cfg.PathTracking,
		Mode:         c.cfg.Mode,
		Budget:       c.cfg.Budget,
	}
}

func (c *Coordinator) dispatch(ctx context.Context, job model.Job) model.Outcome {
	ctx = log.ContextAttrs(ctx, job.LogAttrs()...)
	if job.Mode == model.TimeoutHard {
		return c.dispatchHard(ctx, job)
	}

	rep := c.openReport(ctx, job)
	defer func() {
		if err := rep.Close(); err != nil {
			slog.WarnContext(ctx, "closing report failed", "error", err)
		}
	}()

	var res model.Result
	if job.Mode == model.TimeoutSoft {
		res = c.soft.RunWithBudget(ctx, job, job.Budget, rep)
	} else {
		res = c.cfg.Runner.Run(ctx, job, rep)
	}

	switch res.Outcome {
	case model.OutcomeSuccess:
		slog.InfoContext(ctx, "infoflow computation done", "sinks", res.Results.Len(), "elapsed", res.Elapsed().String())
	case model.OutcomeFailure:
		slog.ErrorContext(ctx, "infoflow computation failed", "error", res.Err)
	case model.OutcomeTimedOut:
		slog.ErrorContext(ctx, "infoflow computation timed out", "budget", job.Budget.String())
		rep.Printf("Infoflow computation timed out after %s", job.Budget)
	}
	report.Render(rep, res)
	return res.Outcome
}

func (c *Coordinator) dispatchHard(ctx context.Context, job model.Job) model.Outcome {
	res, err := c.cfg.Hard.RunWithHardBudget(ctx, job, job.Budget)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "hard timeout run failed", "error", err)
		c.print("Infoflow computation failed: " + err.Error())
		return model.OutcomeFailure
	case res.TimedOut:
		slog.ErrorContext(ctx, "infoflow process killed", "budget", job.Budget.String(), "report", res.ReportPath)
		c.print("Infoflow computation timed out after " + job.Budget.String())
		return model.OutcomeTimedOut
	case res.State != nil && res.State.ExitCode() != 0:
		slog.ErrorContext(ctx, "infoflow process failed", "exit_code", res.State.ExitCode(), "stderr", res.ErrorPath)
		c.print(fmt.Sprintf("Infoflow computation failed: exit code %d, see %s", res.State.ExitCode(), res.ErrorPath))
		return model.OutcomeFailure
	}
	slog.InfoContext(ctx, "infoflow process done", "report", res.ReportPath, "elapsed", res.Stopped.Sub(res.Started).String())
	return model.OutcomeSuccess
}

func (c *Coordinator) openReport(ctx context.Context, job model.Job) *report.Report {
	if c.cfg.ConsoleOnly {
		return report.Console(c.cfg.Console)
	}
	rep, err := report.Create(c.cfg.Config.ReportDir, c.cfg.Config.ReportPrefix, job.Input, c.cfg.Console)
	if err != nil {
		slog.WarnContext(ctx, "report file not available: console only", "error", err)
		return report.Console(c.cfg.Console)
	}
	return rep
}

// isMarker reports whether name is a claim marker file sharing the input
// directory.
func (c *Coordinator) isMarker(name string) bool {
	claims := c.cfg.Config.Claims
	if claims.Driver != "" && claims.Driver != model.ClaimsFS {
		return false
	}
	return claims.Prefix != "" && strings.HasPrefix(name, claims.Prefix)
}

func (c *Coordinator) print(line string) {
	_, _ = fmt.Fprintln(c.cfg.Console, line)
}

// firstExisting returns the first path which exists, or the last one as the
// default.
func firstExisting(paths []string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	if len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}
