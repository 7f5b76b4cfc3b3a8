package interfaces

import (
	"context"

	"minbar/pkg/types"
)

// FollowerDirectory resolves which users follow a mosque.
// FUNCTIONAL DISCOVERY: Used only by the notification bridge on session start,
// so reads may be slow without affecting broadcasting
type FollowerDirectory interface {
	ListFollowers(ctx context.Context, mosqueID string) ([]string, error)
}

// BroadcastArchive stores end-of-session summaries. Transcripts are never archived.
type BroadcastArchive interface {
	ArchiveBroadcast(ctx context.Context, summary *types.SessionSummary) error
	ListBroadcasts(ctx context.Context, mosqueID string, limit int) ([]*types.SessionSummary, error)
}

// DatabaseManager is the full persistence surface used by the application.
type DatabaseManager interface {
	FollowerDirectory
	BroadcastArchive

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
