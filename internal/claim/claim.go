// Package claim implements the exactly-once claim of batch inputs.
//
// A claim is created atomically and never removed, its existence means the
// input has already been attempted by some supervisor. Concurrent and
// restarted supervisors share nothing but the claim store.
package claim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/CZERTAINLY/Infoflow/internal/model"
	"github.com/google/uuid"
)

var (
	// ErrClaimed is returned when the input has already been claimed.
	ErrClaimed = errors.New("already claimed")
)

// Owner describes the supervisor instance which created a claim.
type Owner struct {
	RunID   string    `yaml:"run_id" json:"run_id"`
	PID     int       `yaml:"pid" json:"pid"`
	Host    string    `yaml:"host" json:"host"`
	Claimed time.Time `yaml:"claimed" json:"claimed"`
}

// NewOwner returns the Owner for the current process.
func NewOwner(runID uuid.UUID) Owner {
	host, _ := os.Hostname()
	return Owner{
		RunID: runID.String(),
		PID:   os.Getpid(),
		Host:  host,
	}
}

type Claimer interface {
	// Claim returns nil if the caller now owns name, ErrClaimed if anybody
	// claimed it before or any other error if the store failed.
	Claim(ctx context.Context, name string, owner Owner) error
	Close() error
}

// Open returns the Claimer configured by cfg.
func Open(ctx context.Context, cfg model.Claims) (Claimer, error) {
	var c Claimer
	var err error
	switch cfg.Driver {
	case model.ClaimsFS, "":
		c, err = NewMarkers(cfg.Dir, cfg.Prefix)
	case model.ClaimsSQLite:
		c, err = OpenSQLite(ctx, cfg.DSN)
	case model.ClaimsRedis:
		c, err = OpenRedis(ctx, cfg.Addr, cfg.Prefix)
	default:
		return nil, fmt.Errorf("%w: unsupported claims driver %q", model.ErrConfiguration, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
