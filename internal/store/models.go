package store

import (
	"time"
)

// Sync log status constants
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusConflict = "conflict"
	StatusSkipped  = "skipped"
)

// Sync direction constants
const (
	DirectionSourceToTarget = "source_to_target"
	DirectionTargetToSource = "target_to_source"
)

// Conflict type constants
const (
	ConflictConcurrentUpdate = "concurrent_update"
	ConflictAmbiguousMapping = "ambiguous_mapping"
)

// Tracker is a configured GitLab instance.
type Tracker struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:100;uniqueIndex;not null" json:"name"`
	URL         string `gorm:"size:255;not null" json:"url"`
	AccessToken string `gorm:"size:255;not null" json:"-"`
	Description string `gorm:"size:255" json:"description,omitempty"`
	// CatchAllUsername receives assignments whose author has no explicit
	// user mapping. Empty means unmapped users are dropped.
	CatchAllUsername string    `gorm:"size:100" json:"catch_all_username,omitempty"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Pair associates a project on a source tracker with a project on a target
// tracker. The engine only writes LastSyncAt; everything else is configured
// through the API.
type Pair struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Name            string     `gorm:"size:100;uniqueIndex;not null" json:"name"`
	SourceTrackerID uint       `gorm:"not null;index" json:"source_tracker_id"`
	SourceProject   string     `gorm:"size:255;not null" json:"source_project"`
	TargetTrackerID uint       `gorm:"not null;index" json:"target_tracker_id"`
	TargetProject   string     `gorm:"size:255;not null" json:"target_project"`
	Enabled         bool       `gorm:"default:true" json:"enabled"`
	Bidirectional   bool       `gorm:"default:true" json:"bidirectional"`
	IntervalMinutes int        `gorm:"default:10" json:"interval_minutes"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Mapping links a source issue to its mirror for one pair. The two unique
// indexes are the safety mechanism against concurrent runs mapping the same
// issue twice; InsertMapping swallows the loser of that race.
type Mapping struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	PairID       uint      `gorm:"not null;uniqueIndex:uq_mappings_pair_source,priority:1;uniqueIndex:uq_mappings_pair_target,priority:1" json:"pair_id"`
	SourceIID    int       `gorm:"column:source_iid;not null;uniqueIndex:uq_mappings_pair_source,priority:2" json:"source_iid"`
	SourceID     int       `gorm:"not null" json:"source_id"`
	TargetIID    int       `gorm:"column:target_iid;not null;uniqueIndex:uq_mappings_pair_target,priority:2" json:"target_iid"`
	TargetID     int       `gorm:"not null" json:"target_id"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	// Fingerprint is the content hash baseline from the last successful sync.
	Fingerprint string `gorm:"size:64" json:"fingerprint,omitempty"`
}

// Conflict is an immutable snapshot of both sides at detection time. Rows
// are never auto-deleted; resolution is a manual flag flip.
type Conflict struct {
	ID        uint  `gorm:"primaryKey" json:"id"`
	PairID    uint  `gorm:"not null;index" json:"pair_id"`
	MappingID *uint `json:"mapping_id,omitempty"`
	SourceIID int   `gorm:"not null" json:"source_iid"`
	TargetIID *int  `json:"target_iid,omitempty"`
	// Type is one of the Conflict* constants.
	Type        string `gorm:"size:50;not null" json:"type"`
	Description string `gorm:"type:text;not null" json:"description"`
	// SourceData and TargetData are JSON snapshots (title/state/updated_at).
	SourceData string `gorm:"type:text" json:"source_data,omitempty"`
	TargetData string `gorm:"type:text" json:"target_data,omitempty"`

	Resolved        bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `gorm:"type:text" json:"resolution_notes,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// SyncLog is an append-only audit entry for one reconciliation attempt.
type SyncLog struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	PairID    uint   `gorm:"not null;index" json:"pair_id"`
	SourceIID *int   `json:"source_iid,omitempty"`
	TargetIID *int   `json:"target_iid,omitempty"`
	Status    string `gorm:"size:20;not null;index" json:"status"`
	Direction string `gorm:"size:20" json:"direction,omitempty"`
	Message   string `gorm:"type:text" json:"message,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// UserMapping translates a username between two trackers. Lookups also
// consult the reverse direction so one row serves both directions of a
// bidirectional pair.
type UserMapping struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	SourceTrackerID uint      `gorm:"not null;uniqueIndex:uq_user_mappings_fwd,priority:1;uniqueIndex:uq_user_mappings_rev,priority:3" json:"source_tracker_id"`
	SourceUsername  string    `gorm:"size:100;not null;uniqueIndex:uq_user_mappings_fwd,priority:2;index" json:"source_username"`
	TargetTrackerID uint      `gorm:"not null;uniqueIndex:uq_user_mappings_fwd,priority:3;uniqueIndex:uq_user_mappings_rev,priority:1" json:"target_tracker_id"`
	TargetUsername  string    `gorm:"size:100;not null;uniqueIndex:uq_user_mappings_rev,priority:2;index" json:"target_username"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
