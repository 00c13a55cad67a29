package storage

import (
	"context"
	"time"

	"github.com/iudanet/benchkeeper/internal/models"
)

// MirrorStorage defines the locally known asset state
type MirrorStorage interface {
	// GetAsset returns the mirror record of an asset
	// Returns ErrAssetNotFound if the tag was never seen
	GetAsset(ctx context.Context, tag string) (*models.Asset, error)

	// ListAssets returns mirror records matching the filter ordered by tag
	ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error)

	// CreateAsset records a newly sighted asset
	// Returns ErrAssetExists if the tag is already known
	CreateAsset(ctx context.Context, asset *models.Asset) error

	// ApplySnapshot records server state. The mirror is overwritten only for
	// assets without non-terminal operations. cursor is persisted for the next pull.
	ApplySnapshot(ctx context.Context, assets []*models.Asset, cursor time.Time) error

	// LastSyncCursor returns the cursor saved by ApplySnapshot
	// Returns zero time if no pull has been performed yet
	LastSyncCursor(ctx context.Context) (time.Time, error)

	// RebuildMirror recomputes the mirror from the snapshot plus non-terminal operations
	RebuildMirror(ctx context.Context) error
}

// QueueStorage defines the durable FIFO queue of pending operations
type QueueStorage interface {
	// ApplyLocally validates the operation against the mirror, stamps the
	// previous event ID, updates the mirror and enqueues the operation as
	// QUEUED in one transaction. Re-applying a known ID returns the current
	// mirror state without enqueueing again.
	ApplyLocally(ctx context.Context, op *models.PendingOperation) (*models.Asset, error)

	// NextPending returns the oldest non-terminal operation if it is QUEUED or
	// its IN_FLIGHT attempt timed out. Returns nil when nothing is deliverable.
	NextPending(ctx context.Context) (*models.PendingOperation, error)

	// MarkInFlight records a delivery attempt
	MarkInFlight(ctx context.Context, id string) error

	// Requeue returns an in-flight operation to QUEUED after a transient failure
	Requeue(ctx context.Context, id string, cause error) error

	// MarkAcknowledged is a terminal transition; serverAsset becomes the snapshot
	MarkAcknowledged(ctx context.Context, id string, serverTimestamp time.Time, serverAsset *models.Asset) error

	// MarkConflicted is a terminal transition. Later check operations on the
	// same asset depend on this one and are conflicted too. The mirror is
	// overwritten with the server state carried by the conflict.
	MarkConflicted(ctx context.Context, id string, conflict *models.Conflict) error

	// Withdraw cancels a QUEUED operation that is the latest of its asset
	// and returns the restored mirror state
	Withdraw(ctx context.Context, id string) (*models.Asset, error)

	// ResolveConflict archives a reviewed conflict
	ResolveConflict(ctx context.Context, id string) error

	// ArchiveAcknowledged moves operations acknowledged before the cutoff to the archive
	ArchiveAcknowledged(ctx context.Context, olderThan time.Duration) (int, error)

	// GetOperation looks an operation up in the queue or the archive
	GetOperation(ctx context.Context, id string) (*models.PendingOperation, error)

	// PendingOps returns QUEUED and IN_FLIGHT operations in FIFO order
	PendingOps(ctx context.Context) ([]*models.PendingOperation, error)

	// Conflicts returns CONFLICTED operations awaiting review
	Conflicts(ctx context.Context) ([]*models.PendingOperation, error)

	// QueueDepth returns the number of QUEUED and IN_FLIGHT operations
	QueueDepth(ctx context.Context) (int, error)
}

// LocalStore combines the mirror and the queue
type LocalStore interface {
	MirrorStorage
	QueueStorage
	Close() error
}
