package storage

import (
	"errors"

	"github.com/iudanet/benchkeeper/internal/models"
)

// Common client storage errors
var (
	// ErrInvalidTransition indicates that the locally known asset state
	// disagrees with the requested check event
	ErrInvalidTransition = models.ErrInvalidTransition

	// ErrDurability indicates that a local write could not be persisted
	ErrDurability = errors.New("local durability failure")

	// ErrAssetNotFound indicates that the mirror has no record of the asset
	ErrAssetNotFound = errors.New("asset not found")

	// ErrAssetExists indicates that the asset is already known locally
	ErrAssetExists = errors.New("asset already exists")

	// ErrOperationNotFound indicates that no queued or archived operation has this ID
	ErrOperationNotFound = errors.New("operation not found")

	// ErrNotWithdrawable indicates that the operation is in flight, terminal,
	// or not the latest operation of its asset
	ErrNotWithdrawable = errors.New("operation cannot be withdrawn")

	// ErrInvalidDeliveryState indicates a delivery state change not allowed
	// from the operation's current state
	ErrInvalidDeliveryState = errors.New("invalid delivery state")

	// ErrNotConflicted indicates that the operation is not awaiting review
	ErrNotConflicted = errors.New("operation is not conflicted")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
