package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Infoflow/internal/model"

	"golang.org/x/sync/errgroup"
)

const waitDelay = 5 * time.Second

// Command runs the analysis as an external process. Request arguments are
// appended after Args. The process writes the JSON encoded model.Results (or
// null) to stdout, every stderr line is forwarded to Request.Progress.
// Canceled context kills the process.
type Command struct {
	Path string
	Args []string
	Env  []string // nil inherits the environment of the current process
}

func FromConfig(cfg model.Engine) Command {
	var env []string
	if len(cfg.Env) > 0 {
		env = os.Environ()
		for k, v := range cfg.Env {
			if strings.HasPrefix(v, "$") {
				v = os.ExpandEnv(v)
			}
			env = append(env, k+"="+v)
		}
	}
	return Command{
		Path: cfg.Path,
		Args: cfg.Args,
		Env:  env,
	}
}

func (c Command) Analyze(ctx context.Context, req Request, onResults ResultsFunc) error {
	args := append(slices.Clone(c.Args), req.args()...)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Env = c.Env
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "starting engine", "path", c.Path, "args", args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	var results *model.Results
	// pipes must be drained before Wait
	var g errgroup.Group
	g.Go(func() error {
		processStderr(ctx, stderr, req.Progress)
		return nil
	})
	g.Go(func() error {
		err := json.NewDecoder(stdout).Decode(&results)
		_, _ = io.Copy(io.Discard, stdout)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	})
	decodeErr := g.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("engine interrupted: %w", context.Cause(ctx))
		}
		return fmt.Errorf("engine failed: %w", err)
	}
	if decodeErr != nil {
		return fmt.Errorf("decoding engine results: %w", decodeErr)
	}

	onResults(results)
	return nil
}

func processStderr(ctx context.Context, stderr io.Reader, progress func(string)) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if progress != nil {
			progress(scanner.Text())
		}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing engine stderr", "error", err)
		_, _ = io.Copy(io.Discard, stderr)
	}
}
