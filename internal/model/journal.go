package model

import "encoding/json"

// Journal operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// JournalEntry is one pending local mutation awaiting server
// acknowledgement. Entries for the same (entity, localId) form a chain that
// is drained strictly in FIFO order.
//
// Payload is the full post-image of the record at the time of the write, so
// the engine never re-reads the row at send time. BasePayload is the
// pre-image captured when the edit was made; the conflict resolver diffs the
// two to decide which fields the user actually touched.
type JournalEntry struct {
	ID            int64           `db:"id" json:"id"`
	Entity        string          `db:"entity" json:"entity"`
	LocalID       int64           `db:"local_id" json:"localId"`
	Op            string          `db:"op" json:"op"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	BasePayload   json.RawMessage `db:"base_payload" json:"basePayload,omitempty"`
	Attempts      int             `db:"attempts" json:"attempts"`
	LastError     string          `db:"last_error" json:"lastError,omitempty"`
	Suspended     bool            `db:"suspended" json:"suspended,omitempty"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"nextAttemptAt"`
	EnqueuedAt    int64           `db:"enqueued_at" json:"enqueuedAt"`
}

// TouchedFields compares the post-image against the base image and returns
// the set of top-level JSON fields the local edit changed. A nil base means
// everything counts as touched.
func (e *JournalEntry) TouchedFields() (map[string]bool, error) {
	touched := make(map[string]bool)

	var after map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &after); err != nil {
		return nil, err
	}

	if len(e.BasePayload) == 0 {
		for k := range after {
			touched[k] = true
		}
		return touched, nil
	}

	var before map[string]json.RawMessage
	if err := json.Unmarshal(e.BasePayload, &before); err != nil {
		return nil, err
	}

	for k, v := range after {
		if prev, ok := before[k]; !ok || string(prev) != string(v) {
			touched[k] = true
		}
	}
	return touched, nil
}
