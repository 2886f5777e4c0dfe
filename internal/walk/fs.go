package walk

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Infoflow/internal/model"
)

// Entry is a single candidate input.
type Entry struct {
	Path string // path passed to the engine
	Name string // base name, used for claim markers and report files
}

// Inputs returns the candidates found under root and reports whether root is
// a directory. A directory yields every non-directory entry whose name ends
// with suffix, in directory listing order. A regular file is the only
// candidate. It does not recurse.
func Inputs(ctx context.Context, root, suffix string) (iter.Seq[Entry], bool, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", model.ErrInputDiscovery, err)
	}

	if !info.IsDir() {
		return func(yield func(Entry) bool) {
			yield(Entry{Path: root, Name: filepath.Base(root)})
		}, false, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, true, fmt.Errorf("%w: listing %s: %w", model.ErrInputDiscovery, root, err)
	}

	return func(yield func(Entry) bool) {
		for _, d := range entries {
			if ctx.Err() != nil {
				return
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
				continue
			}
			entry := Entry{
				Path: filepath.Join(root, d.Name()),
				Name: d.Name(),
			}
			if !yield(entry) {
				return
			}
		}
	}, true, nil
}
