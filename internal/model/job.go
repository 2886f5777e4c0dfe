package model

import (
	"log/slog"
	"path/filepath"
	"time"
)

type TimeoutMode string

const (
	TimeoutNone TimeoutMode = "none"
	TimeoutSoft TimeoutMode = "soft"
	TimeoutHard TimeoutMode = "hard"
)

// Job identifies one unit of work. It is created once per discovered input
// and passed by value.
type Job struct {
	Input        string // path to the input file
	ConfigDir    string // engine configuration directory (android platforms)
	TaintWrapper string
	SourcesSinks string
	PathTracking string
	Mode         TimeoutMode
	Budget       time.Duration
}

// Name is the base name of the input, all per-input artifacts are keyed on it.
func (j Job) Name() string {
	return filepath.Base(j.Input)
}

func (j Job) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("input", j.Input),
		slog.String("mode", string(j.Mode)),
	}
}
