package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/CZERTAINLY/Infoflow/internal/claim"
	"github.com/CZERTAINLY/Infoflow/internal/engine"
	"github.com/CZERTAINLY/Infoflow/internal/model"
	"github.com/CZERTAINLY/Infoflow/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type batch struct {
	dir    string
	inputs string
	cfg    model.Config
}

func newBatch(t *testing.T, names ...string) batch {
	t.Helper()
	dir, cfg := workspace(t)
	inputs := filepath.Join(dir, "apks")
	for _, name := range names {
		creat(t, filepath.Join(inputs, name), "apk")
	}
	return batch{dir: dir, inputs: inputs, cfg: cfg}
}

func (b batch) coordinator(t *testing.T, e engine.Engine, mode model.TimeoutMode, budget time.Duration, console *bytes.Buffer) *service.Coordinator {
	t.Helper()
	markers, err := claim.NewMarkers(b.cfg.Claims.Dir, b.cfg.Claims.Prefix)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = markers.Close()
	})
	c, err := service.NewCoordinator(service.CoordinatorConfig{
		Config:  b.cfg,
		Mode:    mode,
		Budget:  budget,
		Runner:  service.NewRunner(e),
		Claimer: markers,
		Owner:   claim.NewOwner(uuid.New()),
		Console: console,
	})
	require.NoError(t, err)
	return c
}

func (b batch) report(name string) string {
	return filepath.Join(b.dir, "_out_"+name+".txt")
}

func (b batch) marker(name string) string {
	return filepath.Join(b.dir, "_Run_"+name)
}

func TestCoordinator(t *testing.T) {
	t.Parallel()

	t.Run("batch", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk", "b.apk", "notes.txt")
		e := byInput(map[string]*model.Results{"a.apk": twoFlows()})
		var console bytes.Buffer
		summary, err := b.coordinator(t, e, model.TimeoutNone, 0, &console).Do(t.Context(), b.inputs, "platforms")
		require.NoError(t, err)
		require.Equal(t, []string{"a.apk", "b.apk"}, summary.Claimed)
		require.Equal(t, []string{"a.apk", "b.apk"}, summary.Succeeded)
		require.Empty(t, summary.Skipped)

		a := readFile(t, b.report("a.apk"))
		require.Equal(t, 2, count(a, "Found a flow to sink "))
		require.Contains(t, a, "Running data flow analysis...")
		require.Contains(t, a, "engine: a.apk")
		require.NotContains(t, a, "No results found.")
		require.Contains(t, readFile(t, b.report("b.apk")), "No results found.")
		require.NoFileExists(t, b.report("notes.txt"))

		require.FileExists(t, b.marker("a.apk"))
		require.FileExists(t, b.marker("b.apk"))
		require.NoFileExists(t, b.marker("notes.txt"))

		require.Contains(t, console.String(), "Analyzing file "+filepath.Join(b.inputs, "a.apk")+"...")
		require.Equal(t, 2, count(console.String(), "Found a flow to sink "))
	})

	t.Run("restart skips claimed", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk", "b.apk")
		creat(t, b.marker("a.apk"), "")
		summary, err := b.coordinator(t, byInput(nil), model.TimeoutNone, 0, &bytes.Buffer{}).Do(t.Context(), b.inputs, "platforms")
		require.NoError(t, err)
		require.Equal(t, []string{"a.apk"}, summary.Skipped)
		require.Equal(t, []string{"b.apk"}, summary.Succeeded)
		require.NoFileExists(t, b.report("a.apk"))
		require.FileExists(t, b.report("b.apk"))

		summary, err = b.coordinator(t, byInput(nil), model.TimeoutNone, 0, &bytes.Buffer{}).Do(t.Context(), b.inputs, "platforms")
		require.NoError(t, err)
		require.Equal(t, []string{"a.apk", "b.apk"}, summary.Skipped)
		require.Empty(t, summary.Claimed)
	})

	t.Run("concurrent coordinators", func(t *testing.T) {
		t.Parallel()
		const instances = 3
		var names []string
		for i := range 20 {
			names = append(names, fmt.Sprintf("app%02d.apk", i))
		}
		b := newBatch(t, names...)
		e := engine.Func(func(ctx context.Context, _ engine.Request, onResults engine.ResultsFunc) error {
			time.Sleep(time.Millisecond)
			onResults(nil)
			return ctx.Err()
		})

		summaries := make([]service.Summary, instances)
		g, ctx := errgroup.WithContext(t.Context())
		for i := range instances {
			c := b.coordinator(t, e, model.TimeoutNone, 0, &bytes.Buffer{})
			g.Go(func() error {
				var err error
				summaries[i], err = c.Do(ctx, b.inputs, "platforms")
				return err
			})
		}
		require.NoError(t, g.Wait())

		var claimed []string
		for _, s := range summaries {
			claimed = append(claimed, s.Claimed...)
			require.Len(t, s.Claimed, len(s.Succeeded))
			require.Len(t, s.Skipped, len(names)-len(s.Claimed))
		}
		slices.Sort(claimed)
		require.Equal(t, names, claimed)
		for _, name := range names {
			require.FileExists(t, b.report(name))
		}
	})

	t.Run("failure does not stop the batch", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk", "b.apk")
		e := engine.Func(func(_ context.Context, req engine.Request, onResults engine.ResultsFunc) error {
			if filepath.Base(req.Input) == "a.apk" {
				return errors.New("soot crashed")
			}
			onResults(nil)
			return nil
		})
		summary, err := b.coordinator(t, e, model.TimeoutNone, 0, &bytes.Buffer{}).Do(t.Context(), b.inputs, "platforms")
		require.NoError(t, err)
		require.Equal(t, []string{"a.apk"}, summary.Failed)
		require.Equal(t, []string{"b.apk"}, summary.Succeeded)
		require.Contains(t, readFile(t, b.report("a.apk")), "Infoflow computation failed: soot crashed")
		require.Contains(t, readFile(t, b.report("b.apk")), "No results found.")
	})

	t.Run("soft timeout does not stop the batch", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk", "b.apk")
		e := engine.Func(func(ctx context.Context, req engine.Request, onResults engine.ResultsFunc) error {
			if filepath.Base(req.Input) == "a.apk" {
				<-ctx.Done()
				return ctx.Err()
			}
			onResults(twoFlows())
			return nil
		})
		summary, err := b.coordinator(t, e, model.TimeoutSoft, 200*time.Millisecond, &bytes.Buffer{}).Do(t.Context(), b.inputs, "platforms")
		require.NoError(t, err)
		require.Equal(t, []string{"a.apk"}, summary.TimedOut)
		require.Equal(t, []string{"b.apk"}, summary.Succeeded)

		a := readFile(t, b.report("a.apk"))
		require.Contains(t, a, "Infoflow computation timed out after 200ms")
		require.NotContains(t, a, "Found a flow")
		require.Equal(t, 2, count(readFile(t, b.report("b.apk")), "Found a flow to sink "))
	})

	t.Run("single file", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk")
		var console bytes.Buffer
		c, err := service.NewCoordinator(service.CoordinatorConfig{
			Config:  b.cfg,
			Runner:  service.NewRunner(byInput(nil)),
			Console: &console,
		})
		require.NoError(t, err)
		summary, err := c.Do(t.Context(), filepath.Join(b.inputs, "a.apk"), "platforms")
		require.NoError(t, err)
		require.Empty(t, summary.Claimed)
		require.Equal(t, []string{"a.apk"}, summary.Succeeded)
		require.NoFileExists(t, b.marker("a.apk"))
		require.NotContains(t, console.String(), "Analyzing file")
		require.Contains(t, console.String(), "No results found.")
	})

	t.Run("existing report", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk")
		creat(t, b.report("a.apk"), "previous run\n")
		var console bytes.Buffer
		summary, err := b.coordinator(t, byInput(nil), model.TimeoutNone, 0, &console).Do(t.Context(), b.inputs, "platforms")
		require.NoError(t, err)
		require.Equal(t, []string{"a.apk"}, summary.Succeeded)
		require.Equal(t, "previous run\n", readFile(t, b.report("a.apk")))
		require.Contains(t, console.String(), "No results found.")
	})

	t.Run("console only", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk")
		var console bytes.Buffer
		c, err := service.NewCoordinator(service.CoordinatorConfig{
			Config:      b.cfg,
			Runner:      service.NewRunner(byInput(map[string]*model.Results{"a.apk": twoFlows()})),
			Console:     &console,
			ConsoleOnly: true,
		})
		require.NoError(t, err)
		_, err = c.Do(t.Context(), filepath.Join(b.inputs, "a.apk"), "platforms")
		require.NoError(t, err)
		require.NoFileExists(t, b.report("a.apk"))
		require.Equal(t, 2, count(console.String(), "Found a flow to sink "))
	})

	t.Run("directory without claim store", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk")
		c, err := service.NewCoordinator(service.CoordinatorConfig{
			Config:  b.cfg,
			Runner:  service.NewRunner(byInput(nil)),
			Console: &bytes.Buffer{},
		})
		require.NoError(t, err)
		_, err = c.Do(t.Context(), b.inputs, "platforms")
		require.ErrorIs(t, err, model.ErrConfiguration)
		require.NoFileExists(t, b.report("a.apk"))
	})

	t.Run("missing input", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t)
		c := b.coordinator(t, byInput(nil), model.TimeoutNone, 0, &bytes.Buffer{})
		_, err := c.Do(t.Context(), filepath.Join(b.dir, "missing"), "platforms")
		require.ErrorIs(t, err, model.ErrInputDiscovery)
	})

	t.Run("marker in input directory", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk")
		b.cfg.Claims.Dir = b.inputs
		creat(t, filepath.Join(b.inputs, "_Run_old.apk"), "")
		summary, err := b.coordinator(t, byInput(nil), model.TimeoutNone, 0, &bytes.Buffer{}).Do(t.Context(), b.inputs, "platforms")
		require.NoError(t, err)
		require.Equal(t, []string{"a.apk"}, summary.Claimed)
		require.FileExists(t, filepath.Join(b.inputs, "_Run_a.apk"))
	})

	t.Run("hard timeout", func(t *testing.T) {
		t.Parallel()
		b := newBatch(t, "a.apk", "b.apk")
		h := hardSupervisor(t, b.dir, `case "$1" in *a.apk) exec sleep 60;; *) echo "No results found.";; esac`)
		markers, err := claim.NewMarkers(b.cfg.Claims.Dir, b.cfg.Claims.Prefix)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = markers.Close()
		})
		var console bytes.Buffer
		c, err := service.NewCoordinator(service.CoordinatorConfig{
			Config:  b.cfg,
			Mode:    model.TimeoutHard,
			Budget:  time.Second,
			Runner:  service.NewRunner(byInput(nil)),
			Hard:    h,
			Claimer: markers,
			Console: &console,
		})
		require.NoError(t, err)

		summary, err := c.Do(t.Context(), b.inputs, "platforms")
		require.NoError(t, err)
		require.Equal(t, []string{"a.apk"}, summary.TimedOut)
		require.Equal(t, []string{"b.apk"}, summary.Succeeded)
		require.Contains(t, readFile(t, b.report("a.apk")), "Analysis killed after 1s")
		require.Contains(t, readFile(t, b.report("b.apk")), "No results found.")
		require.FileExists(t, filepath.Join(b.dir, "err_a.apk.txt"))
		require.Contains(t, console.String(), "Infoflow computation timed out after 1s")
	})
}

func TestNewCoordinator(t *testing.T) {
	t.Parallel()
	runner := service.NewRunner(byInput(nil))
	var tests = []struct {
		scenario string
		cfg      service.CoordinatorConfig
	}{
		{"no runner", service.CoordinatorConfig{}},
		{"soft without budget", service.CoordinatorConfig{Runner: runner, Mode: model.TimeoutSoft}},
		{"hard without budget", service.CoordinatorConfig{Runner: runner, Mode: model.TimeoutHard}},
		{"hard without supervisor", service.CoordinatorConfig{Runner: runner, Mode: model.TimeoutHard, Budget: time.Minute}},
		{"unknown mode", service.CoordinatorConfig{Runner: runner, Mode: "eventually"}},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := service.NewCoordinator(tt.cfg)
			require.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestResetOutputDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "JimpleOutput")
	creat(t, filepath.Join(dir, "a", "Main.jimple"), "class")

	service.ResetOutputDir(t.Context(), dir)
	_, err := os.Stat(dir)
	require.ErrorIs(t, err, os.ErrNotExist)

	// missing directory is a no-op
	service.ResetOutputDir(t.Context(), dir)
	service.ResetOutputDir(t.Context(), "")
}
