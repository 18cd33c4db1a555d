// Package models provides data model definitions for SkinGuard Core.
package models

import "time"

// Resolution describes how a diverged record was settled.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerged     Resolution = "merged"
)

// ConflictLog retains both versions of a record whose local and server
// copies changed independently, so the non-winning version can always be
// recovered for manual resolution.
type ConflictLog struct {
	ID                UUID         `db:"id" json:"id"`
	Entity            EntityKind   `db:"entity" json:"entity"`
	RecordID          string       `db:"record_id" json:"record_id"`
	LocalFields       Fields       `db:"local_fields" json:"local_fields"`
	RemoteFields      Fields       `db:"remote_fields" json:"remote_fields"`
	BaseFields        Fields       `db:"base_fields" json:"base_fields,omitempty"`
	ConflictingFields []string     `db:"conflicting_fields" json:"conflicting_fields,omitempty"`
	Resolution        Resolution   `db:"resolution" json:"resolution"`
	Flag              ConflictFlag `db:"flag" json:"flag"`
	LocalTimestamp    int64        `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp   int64        `db:"remote_timestamp" json:"remote_timestamp"`
	DetectedAt        int64        `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// LosingFields returns the version that did not win. For a clean merge
// nothing was lost and the local version is returned.
func (c *ConflictLog) LosingFields() Fields {
	if c.Resolution == ResolutionServerWins {
		return c.LocalFields
	}
	if c.Resolution == ResolutionLocalWins {
		return c.RemoteFields
	}
	return c.LocalFields
}
