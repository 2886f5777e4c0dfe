package service

import (
	"context"
	"log/slog"
	"os"
)

// ResetOutputDir removes dir with everything in it. It is called at process
// start, before any job runs. A failure is logged only.
func ResetOutputDir(ctx context.Context, dir string) {
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.ErrorContext(ctx, "cleanup of output directory failed", "dir", dir, "error", err)
		return
	}
	slog.DebugContext(ctx, "output directory removed", "dir", dir)
}
