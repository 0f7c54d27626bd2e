package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced to direct callers. The sync engine converts its
// own failures into events and journal state instead of returning these.
var (
	// ErrNotFound is returned when a record does not exist or is a
	// tombstone awaiting deletion.
	ErrNotFound = errors.New("record not found")

	// ErrConstraint is returned when a uniqueness constraint fails on
	// commit. The journal append rolls back with the write.
	ErrConstraint = errors.New("constraint violation")

	// ErrStorageFull is returned when the backing store is out of quota.
	ErrStorageFull = errors.New("storage full")

	// ErrStorageUnavailable is returned for writes while the store is
	// quarantined after a failed migration.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownEntity is returned for an entity name without a table.
	ErrUnknownEntity = errors.New("unknown entity")
)

// mapSQLError translates driver errors into the store's taxonomy.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "constraint failed"):
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	case strings.Contains(msg, "database or disk is full"):
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}
