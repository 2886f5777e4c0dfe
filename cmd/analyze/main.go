package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/Infoflow/internal/claim"
	"github.com/CZERTAINLY/Infoflow/internal/engine"
	"github.com/CZERTAINLY/Infoflow/internal/log"
	"github.com/CZERTAINLY/Infoflow/internal/model"
	"github.com/CZERTAINLY/Infoflow/internal/service"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	configEnv  = "ANALYZECONFIG"
	configName = "analyze.yaml"
	childCmd   = "_analyze"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("analyze failed", "err", err)
		stop()
		os.Exit(1)
	}
}

type cli struct {
	configPath string // actual config file used (if loaded)
	config     model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagTimeout        int    // --timeout in minutes
	flagSysTimeout     int    // --systimeout in minutes
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:          "analyze <input> <config-dir>",
		Short:        "Runs the Android data flow analysis over an apk file or a directory of them",
		Args:         cobra.MaximumNArgs(2),
		RunE:         c.doAnalyze,
		SilenceUsage: true,
		// never print messages
		SilenceErrors: true,
	}
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetGlobalNormalizationFunc(lowercase)

	// root flags
	rootCmd.PersistentFlags().StringVar(&c.flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in the user config directory")
	rootCmd.PersistentFlags().BoolVar(&c.flagVerbose, "verbose", false, "verbose logging")
	rootCmd.Flags().IntVar(&c.flagTimeout, "timeout", 0, "soft timeout of a single analysis in minutes")
	rootCmd.Flags().IntVar(&c.flagSysTimeout, "systimeout", 0, "hard timeout of a single analysis in minutes, the process is killed")

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = c.initAnalyze

	rootCmd.AddCommand(&cobra.Command{
		Use:    childCmd + " <input> <config-dir>",
		Short:  "internal command",
		Args:   cobra.ExactArgs(2),
		RunE:   c.doChild,
		Hidden: true,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "version provide version of analyze",
		Args:  cobra.NoArgs,
		Run:   c.doVersion,
	})
	return rootCmd
}

func lowercase(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ToLower(name))
}

func (c *cli) doVersion(cmd *cobra.Command, _ []string) {
	out := cmd.OutOrStdout()
	info, ok := debug.ReadBuildInfo()
	if !ok {
		_, _ = fmt.Fprintln(out, "analyze: version info not available")
		return
	}

	if c.configPath != "" {
		_, _ = fmt.Fprintf(out, "config:  %s\n", c.configPath)
	}
	_, _ = fmt.Fprintf(out, "analyze: %s\n", info.Main.Version)
	_, _ = fmt.Fprintf(out, "go:      %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			_, _ = fmt.Fprintf(out, "commit:  %s\n", s.Value)
		case "vcs.time":
			_, _ = fmt.Fprintf(out, "date:    %s\n", s.Value)
		case "vcs.modified":
			_, _ = fmt.Fprintf(out, "dirty:   %s\n", s.Value)
		}
	}
	_, _ = fmt.Fprintln(out)
}

func (c *cli) doAnalyze(cmd *cobra.Command, args []string) error {
	if len(args) < 2 {
		return cmd.Usage()
	}
	input, configDir := args[0], args[1]

	mode, budget, err := model.Timeouts(c.flagTimeout, c.flagSysTimeout)
	if err != nil {
		return err
	}

	runID := uuid.New()
	attrs := slog.Group("analyze",
		slog.String("cmd", "analyze"),
		slog.Int("pid", os.Getpid()),
		slog.String("run_id", runID.String()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	var hard *service.HardSupervisor
	if mode == model.TimeoutHard {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("%w: resolving own executable: %w", model.ErrPlatformUnsupported, err)
		}
		hard, err = service.NewHardSupervisor(service.HardConfig{
			TimeoutBinary: c.config.TimeoutBinary,
			Self:          []string{self, childCmd},
			Extra:         c.childFlags(),
			ReportDir:     c.config.ReportDir,
			ReportPrefix:  c.config.ReportPrefix,
			ErrorPrefix:   c.config.ErrorPrefix,
			KillGrace:     c.config.KillGrace.Duration,
		})
		if err != nil {
			return err
		}
	}

	service.ResetOutputDir(ctx, c.config.OutputDir)

	var claimer claim.Claimer
	if info, err := os.Stat(input); err == nil && info.IsDir() {
		claimer, err = claim.Open(ctx, c.config.Claims)
		if err != nil {
			return fmt.Errorf("opening claim store: %w", err)
		}
		defer func() {
			if err := claimer.Close(); err != nil {
				slog.WarnContext(ctx, "closing claim store failed", "error", err)
			}
		}()
	}

	coordinator, err := service.NewCoordinator(service.CoordinatorConfig{
		Config:  c.config,
		Mode:    mode,
		Budget:  budget,
		Runner:  service.NewRunner(engine.FromConfig(c.config.Engine)),
		Hard:    hard,
		Claimer: claimer,
		Owner:   claim.NewOwner(runID),
		Console: cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	summary, err := coordinator.Do(ctx, input, configDir)
	slog.InfoContext(ctx, "analysis batch done",
		"claimed", len(summary.Claimed),
		"skipped", len(summary.Skipped),
		"succeeded", len(summary.Succeeded),
		"failed", len(summary.Failed),
		"timed_out", len(summary.TimedOut),
	)
	return err
}

// doChild runs a single analysis for the hard timeout supervisor. The report
// goes to stdout only, the parent redirects it to the report file.
func (c *cli) doChild(cmd *cobra.Command, args []string) error {
	attrs := slog.Group("analyze",
		slog.String("cmd", childCmd),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	coordinator, err := service.NewCoordinator(service.CoordinatorConfig{
		Config:      c.config,
		Runner:      service.NewRunner(engine.FromConfig(c.config.Engine)),
		Console:     cmd.OutOrStdout(),
		ConsoleOnly: true,
	})
	if err != nil {
		return err
	}
	summary, err := coordinator.Do(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if len(summary.Failed) > 0 {
		return errors.New("infoflow computation failed")
	}
	return nil
}

// childFlags are the persistent flags passed through to the child process.
func (c *cli) childFlags() []string {
	var flags []string
	if c.configPath != "" {
		flags = append(flags, "--config", c.configPath)
	}
	if c.config.Verbose {
		flags = append(flags, "--verbose")
	}
	return flags
}

func (c *cli) initAnalyze(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		c.configPath = envConfig
	} else if c.flagConfigFilePath != "" {
		c.configPath = c.flagConfigFilePath
	} else {
		for _, d := range configDirs() {
			path := filepath.Join(d, configName)
			if exists(path) {
				c.configPath = path
				break
			}
		}
	}

	if c.configPath == "" {
		c.config = model.DefaultConfig()
	} else {
		f, err := os.Open(c.configPath)
		if err != nil {
			return fmt.Errorf("%w: opening config file: %w", model.ErrConfiguration, err)
		}
		defer func() {
			_ = f.Close()
		}()
		c.config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.ConfigErrDetails(err) {
				slog.Error("config error", "path", c.configPath, d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", c.configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if c.flagVerbose {
		c.config.Verbose = true
	}

	slog.SetDefault(log.New(cmd.ErrOrStderr(), c.config.Verbose))
	slog.Debug("analyze run", "configPath", c.configPath)
	slog.Debug("analyze run", "config", c.config)
	return nil
}

// configDirs lists where analyze.yaml is looked up, in order.
func configDirs() []string {
	var dirs []string
	if d, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(d, "analyze"))
	}
	return append(dirs, ".")
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
