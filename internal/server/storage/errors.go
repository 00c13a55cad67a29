package storage

import (
	"errors"
	"fmt"

	"github.com/iudanet/benchkeeper/internal/models"
)

// Common central storage errors
var (
	// ErrTransient indicates a retryable failure: endpoint unreachable,
	// pool exhausted, timeout or a read-only replica
	ErrTransient = errors.New("transient storage failure")

	// ErrConflict indicates that the server state diverged from the client's view
	ErrConflict = errors.New("conflict with server state")

	// ErrAssetNotFound indicates that asset was not found in storage
	ErrAssetNotFound = errors.New("asset not found")

	// ErrEventNotFound indicates that check event was not found in storage
	ErrEventNotFound = errors.New("event not found")

	// ErrReadOnly indicates that the endpoint does not accept writes
	ErrReadOnly = errors.New("endpoint is read-only")
)

// ConflictError несет состояние сервера, с которым разошлось клиентское событие.
type ConflictError struct {
	Asset     *models.Asset      // Asset текущее состояние актива на сервере
	LastEvent *models.CheckEvent // LastEvent последнее событие актива на сервере, nil если событий нет
	Reason    string
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConflict, e.Reason)
}

// Unwrap lets errors.Is match ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
