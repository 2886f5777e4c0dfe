package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

// SQLite stores claims in a table keyed by the input name. It serves
// supervisors sharing the database file on one host.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening claims database: %w", err)
	}

	err = withRetry(ctx, func(ctx context.Context) error {
		_, err := db.ExecContext(ctx,
			`CREATE TABLE IF NOT EXISTS claims (
				name TEXT NOT NULL PRIMARY KEY,
				run_id TEXT NOT NULL,
				pid INTEGER NOT NULL,
				host TEXT NOT NULL,
				claimed_at TEXT NOT NULL
			);`)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating claims table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Claim(ctx context.Context, name string, owner Owner) error {
	owner.Claimed = time.Now().UTC()
	var affected int64
	err := withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO claims (name, run_id, pid, host, claimed_at) VALUES (?,?,?,?,?)
			ON CONFLICT(name) DO NOTHING;`,
			name, owner.RunID, owner.PID, owner.Host, owner.Claimed.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting claim: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", name, ErrClaimed)
	}
	return nil
}

// Owner returns the owner of a claim or sql.ErrNoRows.
func (s *SQLite) Owner(ctx context.Context, name string) (Owner, error) {
	var owner Owner
	var claimed string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, pid, host, claimed_at FROM claims WHERE name=?`, name,
	).Scan(&owner.RunID, &owner.PID, &owner.Host, &claimed)
	if err != nil {
		return owner, err
	}
	owner.Claimed, err = time.Parse(time.RFC3339Nano, claimed)
	return owner, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// withRetry retries fn while the database is locked by another process.
func withRetry(ctx context.Context, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(5, retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if isBusy(err) {
			slog.DebugContext(ctx, "claims database busy: retrying", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
