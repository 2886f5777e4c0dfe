package report

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Infoflow/internal/model"
)

// Printer receives rendered report lines.
type Printer interface {
	Print(line string)
}

// Name returns the deterministic report file name for input.
func Name(prefix, input string) string {
	return prefix + filepath.Base(input) + ".txt"
}

// CreateFile exclusively creates the file prefix<base>.txt in dir. It fails
// with fs.ErrExist if a previous run already produced it.
func CreateFile(dir, prefix, input string) (*os.File, error) {
	path := filepath.Join(dir, Name(prefix, input))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}
	return f, nil
}

// Report writes every line to the console and, best effort, to a durable
// file. It is safe for concurrent use; lines printed after Close are dropped.
type Report struct {
	mx      sync.Mutex
	console io.Writer
	file    *os.File
	failed  bool
	closed  bool
}

// Console returns a Report without a durable file.
func Console(console io.Writer) *Report {
	return &Report{console: console}
}

// Create returns a Report backed by a newly created report file for input.
func Create(dir, prefix, input string, console io.Writer) (*Report, error) {
	f, err := CreateFile(dir, prefix, input)
	if err != nil {
		return nil, err
	}
	return &Report{console: console, file: f}, nil
}

// Path returns the durable file path or an empty string.
func (r *Report) Path() string {
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

func (r *Report) Print(line string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return
	}
	if r.console != nil {
		_, _ = fmt.Fprintln(r.console, line)
	}
	if r.file == nil || r.failed {
		return
	}
	if _, err := r.file.WriteString(line + "\n"); err != nil {
		// console is the fallback, the rest of this report stays console only
		r.failed = true
		slog.Debug("writing report failed", "path", r.file.Name(), "error", err)
	}
}

// Printf formats according to format and prints the line.
func (r *Report) Printf(format string, args ...any) {
	r.Print(fmt.Sprintf(format, args...))
}

func (r *Report) Close() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Render prints result to p.
//
// Success lists every sink followed by its sources, the signature of the
// method enclosing each source and its propagation path when it is known.
// Failure prints the reason. TimedOut prints nothing, the caller records it.
func Render(p Printer, result model.Result) {
	switch result.Outcome {
	case model.OutcomeSuccess:
		renderResults(p, result.Results)
	case model.OutcomeFailure:
		p.Print("Infoflow computation failed: " + result.Err.Error())
	case model.OutcomeTimedOut:
	}
}

func renderResults(p Printer, results *model.Results) {
	if results.Len() == 0 {
		p.Print("No results found.")
		return
	}
	for _, flow := range results.Flows {
		p.Print("Found a flow to sink " + flow.Sink + ", from the following sources:")
		for _, source := range flow.Sources {
			p.Print("\t- " + source.Source + " (in " + source.Method + ")")
			if len(source.Path) > 0 {
				p.Print("\t\ton Path [" + strings.Join(source.Path, ", ") + "]")
			}
		}
	}
}
