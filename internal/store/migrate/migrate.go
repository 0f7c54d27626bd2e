// Package migrate owns the local store's schema versions.
//
// Migrations run in strict ascending order inside a single transaction on
// store open: either the persisted version reaches the target or nothing
// changes and the next open retries. Data transforms are written to be
// replayable against rows already in their new shape, since a rolled-back
// partial run is indistinguishable from a fresh one.
package migrate

import (
	"context"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
)

// Migration is one schema version step. Apply may change structure and
// rewrite data; it runs inside the shared upgrade transaction.
type Migration struct {
	Version     int
	Description string
	Apply       func(ctx context.Context, tx *sqlx.Tx) error
}

// MigrationFailedError reports an aborted upgrade. The store stays at
// FromVersion and should be treated as read-only until a later open
// succeeds.
type MigrationFailedError struct {
	FromVersion int
	ToVersion   int
	Cause       error
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("migration from v%d to v%d failed: %v", e.FromVersion, e.ToVersion, e.Cause)
}

func (e *MigrationFailedError) Unwrap() error { return e.Cause }

// Target returns the current target schema version.
func Target() int { return migrations[len(migrations)-1].Version }

// Run brings the database to the current target version.
func Run(ctx context.Context, db *sqlx.DB, logger *log.Logger) error {
	return RunTo(ctx, db, logger, Target())
}

// RunTo brings the database to the given version. Tests use it to stage
// historical schemas; production code always targets Target().
func RunTo(ctx context.Context, db *sqlx.DB, logger *log.Logger, target int) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create schema_meta: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_meta (id, version) VALUES (1, 0)"); err != nil {
		return fmt.Errorf("failed to seed schema_meta: %w", err)
	}

	current, err := Version(ctx, db)
	if err != nil {
		return err
	}
	if current >= target {
		return nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upgrade transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range migrations {
		if m.Version <= current || m.Version > target {
			continue
		}
		if logger != nil {
			logger.Printf("applying schema v%d: %s", m.Version, m.Description)
		}
		if err := m.Apply(ctx, tx); err != nil {
			return &MigrationFailedError{FromVersion: current, ToVersion: target, Cause: err}
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE schema_meta SET version = ? WHERE id = 1", target); err != nil {
		return &MigrationFailedError{FromVersion: current, ToVersion: target, Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &MigrationFailedError{FromVersion: current, ToVersion: target, Cause: err}
	}
	return nil
}

// Version reads the persisted schema version.
func Version(ctx context.Context, db *sqlx.DB) (int, error) {
	var v int
	if err := db.GetContext(ctx, &v, "SELECT version FROM schema_meta WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}
