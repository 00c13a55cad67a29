package storage

import (
	"context"
	"strings"
	"time"

	"github.com/iudanet/benchkeeper/internal/models"
)

// ApplyResult результат применения события на центральном хранилище
type ApplyResult struct {
	ServerTimestamp time.Time     // ServerTimestamp время принятия события сервером
	Asset           *models.Asset // Asset состояние актива после применения
	Duplicate       bool          // Duplicate событие уже было принято ранее, состояние не менялось
}

// Store defines the authoritative central store. The audit log is part of
// it: ApplyEvent appends to the log and updates the asset in one transaction.
type Store interface {
	// Ping performs a lightweight round trip used by health probes
	Ping(ctx context.Context) error

	// ApplyEvent appends the event to the audit log and updates the asset.
	// A duplicate event_id is a no-op returning the prior result.
	// newAsset, when set, creates the asset if the server has no record of it.
	// Returns *ConflictError if the asset's last event differs from event.PrevEventID.
	ApplyEvent(ctx context.Context, event *models.CheckEvent, newAsset *models.AssetMetadata) (*ApplyResult, error)

	// ApplyAnnotation applies flag/notes/deactivate changes in arrival order.
	// A duplicate annotation_id is a no-op returning the prior result.
	ApplyAnnotation(ctx context.Context, an *models.Annotation, newAsset *models.AssetMetadata) (*ApplyResult, error)

	// GetAssets returns the server state of the given assets keyed by tag.
	// Unknown tags are absent from the map.
	GetAssets(ctx context.Context, tags []string) (map[string]*models.Asset, error)

	// GetEvent retrieves an accepted event by ID
	// Returns ErrEventNotFound if the server never accepted it
	GetEvent(ctx context.Context, eventID string) (*models.CheckEvent, error)

	// History returns all events of an asset ordered by server timestamp
	History(ctx context.Context, tag string) ([]*models.CheckEvent, error)

	// RecentHistory returns events of all assets accepted at or after since,
	// newest first
	RecentHistory(ctx context.Context, since time.Time) ([]*models.CheckEvent, error)

	// SearchHistory returns events of assets whose tag or serial contains
	// term, newest first
	SearchHistory(ctx context.Context, term string) ([]*models.CheckEvent, error)

	// ChangedSince returns assets updated after since, ordered by update time,
	// and the latest update time seen (since if nothing changed)
	ChangedSince(ctx context.Context, since time.Time) ([]*models.Asset, time.Time, error)

	// Close releases the connection pool
	Close() error
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes LIKE wildcards in a user search term. Backslash is the
// escape character.
func EscapeLike(term string) string {
	return likeEscaper.Replace(term)
}
