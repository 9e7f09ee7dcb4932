package models

import (
	"fmt"
	"time"
)

// PendingMutation is a queued change destined for the remote server.
//
// Identifier-bearing fields (TargetID, ServerID, ParentID, DestParentID) are
// plain strings so that server-driven rewrites can substitute them by exact
// match. ClientID is the provisional id a create operation introduces; it is
// what later mutations reference until the server assigns a durable id.
type PendingMutation struct {
	Record

	AccountID int64     `db:"account_id" json:"account_id"`
	Token     string    `db:"token" json:"token"`
	Operation Operation `db:"operation" json:"operation"`
	State     State     `db:"state" json:"state"`

	PredecessorID int64 `db:"predecessor_id" json:"predecessor_id,omitempty"` // 0 = none

	DeferCount      int            `db:"defer_count" json:"defer_count"`
	DefersRemaining int            `db:"defers_remaining" json:"defers_remaining"`
	DeferredReason  DeferredReason `db:"deferred_reason" json:"deferred_reason,omitempty"`
	DeferredUntil   int64          `db:"deferred_until" json:"deferred_until,omitempty"` // unix millis, 0 = unset
	BlockReason     BlockReason    `db:"block_reason" json:"block_reason,omitempty"`

	ResultKind ResultKind `db:"result_kind" json:"result_kind,omitempty"`
	ResultWhy  Why        `db:"result_reason" json:"result_reason,omitempty"`

	TargetID     string `db:"target_id" json:"target_id,omitempty"`
	ServerID     string `db:"server_id" json:"server_id,omitempty"`
	ClientID     string `db:"client_id" json:"client_id,omitempty"`
	ParentID     string `db:"parent_id" json:"parent_id,omitempty"`
	DestParentID string `db:"dest_parent_id" json:"dest_parent_id,omitempty"`
	ItemID       int64  `db:"item_id" json:"item_id,omitempty"` // locally-owned content
	DisplayName  string `db:"display_name" json:"display_name,omitempty"`
	Payload      string `db:"payload" json:"payload,omitempty"` // operation-specific JSON
	LastError    string `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for PendingMutation.
func (PendingMutation) TableName() string {
	return "pending_mutations"
}

var pendingMutationColumns = []string{
	"account_id", "token", "operation", "state", "predecessor_id",
	"defer_count", "defers_remaining", "deferred_reason", "deferred_until", "block_reason",
	"result_kind", "result_reason",
	"target_id", "server_id", "client_id", "parent_id", "dest_parent_id",
	"item_id", "display_name", "payload", "last_error",
}

// Columns implements Persisted.
func (m *PendingMutation) Columns() []string {
	return pendingMutationColumns
}

// Values implements Persisted.
func (m *PendingMutation) Values() []interface{} {
	return []interface{}{
		m.AccountID, m.Token, string(m.Operation), string(m.State), m.PredecessorID,
		m.DeferCount, m.DefersRemaining, string(m.DeferredReason), m.DeferredUntil, string(m.BlockReason),
		string(m.ResultKind), string(m.ResultWhy),
		m.TargetID, m.ServerID, m.ClientID, m.ParentID, m.DestParentID,
		m.ItemID, m.DisplayName, m.Payload, m.LastError,
	}
}

// Pointers implements Persisted.
func (m *PendingMutation) Pointers() []interface{} {
	return []interface{}{
		&m.AccountID, &m.Token, &m.Operation, &m.State, &m.PredecessorID,
		&m.DeferCount, &m.DefersRemaining, &m.DeferredReason, &m.DeferredUntil, &m.BlockReason,
		&m.ResultKind, &m.ResultWhy,
		&m.TargetID, &m.ServerID, &m.ClientID, &m.ParentID, &m.DestParentID,
		&m.ItemID, &m.DisplayName, &m.Payload, &m.LastError,
	}
}

// DeferredUntilTime returns the deferral deadline, or the zero time if unset.
func (m *PendingMutation) DeferredUntilTime() time.Time {
	if m.DeferredUntil == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.DeferredUntil).UTC()
}

// TargetKey identifies the server object the mutation acts on. Two
// mutations with the same non-empty key must never be dispatched together.
// Creates have no server object yet and use their provisional id.
func (m *PendingMutation) TargetKey() string {
	if m.TargetID != "" {
		return m.TargetID
	}
	return m.ClientID
}

// References returns the identifiers this mutation depends on existing,
// in field order, skipping empty values.
func (m *PendingMutation) References() []string {
	refs := make([]string, 0, 3)
	for _, id := range []string{m.TargetID, m.ParentID, m.DestParentID} {
		if id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

// FieldValue returns a pointer to the identifier column named by f.
func (m *PendingMutation) FieldValue(f IDField) *string {
	switch f {
	case FieldTargetID:
		return &m.TargetID
	case FieldServerID:
		return &m.ServerID
	case FieldParentID:
		return &m.ParentID
	case FieldDestParentID:
		return &m.DestParentID
	}
	return nil
}

// Validate checks the fields a dispatcher relies on. A failure here is a
// logic defect in whoever built the mutation, not an environmental fault.
func (m *PendingMutation) Validate() error {
	if !m.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", m.Operation)
	}
	if m.AccountID == 0 {
		return fmt.Errorf("%s: account id is required", m.Operation)
	}
	if m.Operation.NeedsServerTarget() && m.TargetID == "" {
		return fmt.Errorf("%s: target id is required", m.Operation)
	}
	if m.Operation.CreatesServerObject() && m.ClientID == "" {
		return fmt.Errorf("%s: client id is required", m.Operation)
	}
	if m.Operation.NeedsItem() && m.ItemID == 0 {
		return fmt.Errorf("%s: item reference is required", m.Operation)
	}
	if m.Operation == OpEmailMove && m.DestParentID == "" {
		return fmt.Errorf("%s: destination folder is required", m.Operation)
	}
	return nil
}

// String returns a short description for logs.
func (m *PendingMutation) String() string {
	return fmt.Sprintf("%s[id=%d token=%s state=%s]", m.Operation, m.ID, m.Token, m.State)
}
