// Package models provides data model definitions for the pending-mutation store.
package models

import "time"

// Record holds the fields every persisted entity carries.
//
// A Record with ID 0 has never been persisted. RowVersion starts at 0 and is
// bumped by every successful update; it is the only field used for
// optimistic concurrency. LastModified is an ordering hint only.
type Record struct {
	ID            int64 `db:"id" json:"id"`
	CreatedAt     int64 `db:"created_at" json:"created_at"`         // unix millis, set on insert
	LastModified  int64 `db:"last_modified" json:"last_modified"`   // unix millis, UTC
	RowVersion    int   `db:"row_version" json:"row_version"`       // optimistic concurrency counter
	SchemaVersion int   `db:"schema_version" json:"schema_version"` // migration generation at insert
}

// Meta returns the record itself. Entities embedding Record inherit it,
// which is how the generic table code reaches the base fields.
func (r *Record) Meta() *Record {
	return r
}

// IsPersisted reports whether the record has been inserted.
func (r *Record) IsPersisted() bool {
	return r.ID != 0
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt).UTC()
}

// LastModifiedTime returns the LastModified as time.Time.
func (r *Record) LastModifiedTime() time.Time {
	return time.UnixMilli(r.LastModified).UTC()
}

// Touch updates the LastModified timestamp.
func (r *Record) Touch(now time.Time) {
	r.LastModified = now.UTC().UnixMilli()
}

// BaseColumns are the columns every table starts with, in scan order.
var BaseColumns = []string{"id", "created_at", "last_modified", "row_version", "schema_version"}

// Persisted is the capability every stored entity implements. Column lists
// and scan targets are spelled out per entity so the SQL is checked at
// compile time instead of being derived from type names at runtime.
type Persisted interface {
	// Meta returns the embedded base record.
	Meta() *Record

	// TableName returns the table the entity lives in.
	TableName() string

	// Columns lists the entity's own columns, excluding BaseColumns.
	Columns() []string

	// Values returns the column values in Columns order.
	Values() []interface{}

	// Pointers returns scan targets in Columns order.
	Pointers() []interface{}
}
