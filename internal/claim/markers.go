package claim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Markers stores claims as marker files named prefix+name.
type Markers struct {
	root   *os.Root
	prefix string
}

func NewMarkers(dir, prefix string) (*Markers, error) {
	if dir == "" {
		dir = "."
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening claims dir: %w", err)
	}
	return &Markers{root: root, prefix: prefix}, nil
}

// Claim creates the marker with O_EXCL, so exactly one caller across all
// processes sharing the directory succeeds.
func (m *Markers) Claim(ctx context.Context, name string, owner Owner) error {
	if m.root == nil {
		return errors.New("markers already closed")
	}
	path := m.prefix + name
	f, err := m.root.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w", path, ErrClaimed)
	}
	if err != nil {
		return fmt.Errorf("creating claim marker: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	// the marker exists from now on, its content is informative only
	owner.Claimed = time.Now().UTC()
	if err := yaml.NewEncoder(f).Encode(owner); err != nil {
		slog.WarnContext(ctx, "writing claim marker owner failed", "path", path, "error", err)
	}
	return nil
}

// Owner reads the owner stored in the marker for name.
func (m *Markers) Owner(name string) (Owner, error) {
	var owner Owner
	b, err := m.root.ReadFile(m.prefix + name)
	if err != nil {
		return owner, err
	}
	err = yaml.Unmarshal(b, &owner)
	return owner, err
}

func (m *Markers) Close() error {
	if m.root == nil {
		return errors.New("markers already closed")
	}
	err := m.root.Close()
	m.root = nil
	return err
}
