// Package model defines the domain entities shared by the local store, the
// sync engine, and the remote API contract.
//
// Every entity embeds Meta, which carries the local auto-increment id, the
// create/update timestamps (millisecond epoch), the per-record sync status,
// and the last server version observed for the record. The same structs are
// serialized as journal payloads and as REST bodies, so the json tags here
// are the wire format.
package model

import (
	"fmt"
	"time"
)

// SyncStatus tracks where a record stands relative to the server.
type SyncStatus int

const (
	// StatusSynced means the server has acknowledged the record as-is.
	StatusSynced SyncStatus = 0

	// StatusPendingCreate means the record exists only locally.
	StatusPendingCreate SyncStatus = 1

	// StatusPendingUpdate means local edits await acknowledgement.
	StatusPendingUpdate SyncStatus = 2

	// StatusPendingDelete means the record is a tombstone awaiting
	// server-side deletion.
	StatusPendingDelete SyncStatus = 3

	// StatusConflict means the server rejected the local change and the
	// record awaits a user decision.
	StatusConflict SyncStatus = 4
)

// String returns a short label for logs and the status command.
func (s SyncStatus) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusPendingCreate:
		return "pending-create"
	case StatusPendingUpdate:
		return "pending-update"
	case StatusPendingDelete:
		return "pending-delete"
	case StatusConflict:
		return "conflict"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Meta is embedded in every entity.
type Meta struct {
	ID            int64      `db:"id" json:"id"`
	CreatedAt     int64      `db:"created_at" json:"createdAt"`
	UpdatedAt     int64      `db:"updated_at" json:"updatedAt"`
	SyncStatus    SyncStatus `db:"sync_status" json:"syncStatus"`
	ServerVersion int64      `db:"server_version" json:"serverVersion"`
	Deleted       bool       `db:"deleted" json:"-"`
}

// RecordID returns the local id.
func (m *Meta) RecordID() int64 { return m.ID }

// SetRecordID overwrites the local id. Used by the store on insert and by
// the sync engine when remapping to a server-assigned id.
func (m *Meta) SetRecordID(id int64) { m.ID = id }

// MetaRef exposes the embedded Meta for generic store access.
func (m *Meta) MetaRef() *Meta { return m }

// Stamp sets the timestamps for a fresh record.
func (m *Meta) Stamp(now time.Time) {
	ms := now.UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = ms
	}
	m.UpdatedAt = ms
}

// Touch bumps UpdatedAt.
func (m *Meta) Touch(now time.Time) { m.UpdatedAt = now.UnixMilli() }

// Record is implemented by every entity struct.
type Record interface {
	// Entity returns the entity name, which is also the table name and
	// the REST path segment (e.g. "clients").
	Entity() string

	// Validate checks the local invariants. Violations are surfaced to
	// the caller and never retried.
	Validate() error

	// Normalize canonicalizes fields before the uniqueness check
	// (e.g. lower-cased email, digits-only tax id).
	Normalize()

	MetaRef() *Meta
}

// Entity names. They double as table names and API path segments.
const (
	EntityUsers      = "users"
	EntityClients    = "clients"
	EntityBudgets    = "budgets"
	EntityContracts  = "contracts"
	EntityFinancials = "financials"
)

// Entities lists every synchronized entity in a stable order.
var Entities = []string{
	EntityUsers,
	EntityClients,
	EntityBudgets,
	EntityContracts,
	EntityFinancials,
}

// New returns a zero value of the entity's record type, or nil for an
// unknown name. The sync engine uses this to decode journal payloads.
func New(entity string) Record {
	switch entity {
	case EntityUsers:
		return &User{}
	case EntityClients:
		return &Client{}
	case EntityBudgets:
		return &Budget{}
	case EntityContracts:
		return &Contract{}
	case EntityFinancials:
		return &Financial{}
	default:
		return nil
	}
}

// ValidationError reports an input that fails a local invariant.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Entity, e.Field, e.Reason)
}

func invalid(entity, field, reason string) error {
	return &ValidationError{Entity: entity, Field: field, Reason: reason}
}
