package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Infoflow/internal/model"
	"github.com/CZERTAINLY/Infoflow/internal/report"
)

var errBackstop = errors.New("timeout wrapper outlived its budget")

// HardConfig describes how the child process is started.
type HardConfig struct {
	TimeoutBinary string   // kill-after-duration facility, GNU timeout compatible
	Self          []string // argv prefix of the child, the input and config dir are appended
	Extra         []string // appended after the input and config dir
	Env           []string // nil inherits the environment
	ReportDir     string
	ReportPrefix  string // child stdout
	ErrorPrefix   string // child stderr
	KillGrace     time.Duration
}

// HardSupervisor re-executes the program as a child process wrapped in
// `timeout -s KILL`, so the operating system reclaims every resource of a
// job which runs out of budget. The job result is observable only in the
// report file the child's stdout is redirected to.
type HardSupervisor struct {
	timeout string
	cfg     HardConfig
}

// HardResult describes one child execution.
type HardResult struct {
	Path       string
	Args       []string
	Started    time.Time
	Stopped    time.Time
	State      *os.ProcessState
	TimedOut   bool
	ReportPath string
	ErrorPath  string
}

// NewHardSupervisor validates the host supports the hard timeout. It is called
// before the first job, so an unsupported platform is never found mid batch.
func NewHardSupervisor(cfg HardConfig) (*HardSupervisor, error) {
	if runtime.GOOS == "windows" {
		return nil, fmt.Errorf("%w: hard timeout is not available on %s", model.ErrPlatformUnsupported, runtime.GOOS)
	}
	if cfg.TimeoutBinary == "" {
		cfg.TimeoutBinary = "timeout"
	}
	path, err := exec.LookPath(cfg.TimeoutBinary)
	if err != nil {
		return nil, fmt.Errorf("%w: hard timeout needs %s: %w", model.ErrPlatformUnsupported, cfg.TimeoutBinary, err)
	}
	if len(cfg.Self) == 0 {
		return nil, fmt.Errorf("%w: hard timeout child command is empty", model.ErrConfiguration)
	}
	if cfg.ReportPrefix == "" || cfg.ErrorPrefix == "" || cfg.ReportPrefix == cfg.ErrorPrefix {
		return nil, fmt.Errorf("%w: hard timeout needs distinct report and error prefixes", model.ErrConfiguration)
	}
	return &HardSupervisor{timeout: path, cfg: cfg}, nil
}

// RunWithHardBudget blocks until the child exits or is killed, it never
// retries. The returned error is set only when the child could not be run.
func (h *HardSupervisor) RunWithHardBudget(ctx context.Context, job model.Job, budget time.Duration) (HardResult, error) {
	var res HardResult
	if budget <= 0 {
		return res, model.ErrNoBudget
	}

	stdout, err := report.CreateFile(h.cfg.ReportDir, h.cfg.ReportPrefix, job.Input)
	if err != nil {
		return res, err
	}
	defer func() {
		_ = stdout.Close()
	}()
	stderr, err := report.CreateFile(h.cfg.ReportDir, h.cfg.ErrorPrefix, job.Input)
	if err != nil {
		// no report for a job which never ran
		_ = stdout.Close()
		_ = os.Remove(stdout.Name())
		return res, err
	}
	defer func() {
		_ = stderr.Close()
	}()
	res.ReportPath = stdout.Name()
	res.ErrorPath = stderr.Name()

	args := []string{"-s", "KILL", seconds(budget)}
	args = append(args, h.cfg.Self...)
	args = append(args, job.Input, job.ConfigDir)
	args = append(args, h.cfg.Extra...)
	res.Path = h.timeout
	res.Args = slices.Clone(args)

	// backstop for a wrapper which fails to deliver the kill
	ctx, cancel := context.WithTimeoutCause(ctx, budget+h.cfg.KillGrace, errBackstop)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.timeout, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = h.cfg.Env
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killTree(cmd.Process)
	}

	slog.InfoContext(ctx, "running command", "path", h.timeout, "args", args)
	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		return res, fmt.Errorf("could not execute timeout command: %w", err)
	}

	err = cmd.Wait()
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState

	switch {
	case errors.Is(context.Cause(ctx), errBackstop), killed(res.State):
		res.TimedOut = true
		// descendants left in the group once the wrapper is gone
		_ = killTree(cmd.Process)
		_, _ = fmt.Fprintf(stdout, "Analysis killed after %s\n", budget)
		return res, nil
	case ctx.Err() != nil:
		return res, fmt.Errorf("process was interrupted: %w", context.Cause(ctx))
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("waiting for child: %w", err)
	}
	return res, nil
}

// killed reports whether the state is the one of a process ended by the
// timeout wrapper: either wrapper exit codes or the wrapper itself being hit
// by its own SIGKILL.
func killed(state *os.ProcessState) bool {
	if state == nil {
		return false
	}
	switch state.ExitCode() {
	case 124, 128 + 9:
		return true
	}
	return signaledKill(state)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
