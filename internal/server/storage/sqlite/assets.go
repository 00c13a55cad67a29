package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iudanet/benchkeeper/internal/models"
	"github.com/iudanet/benchkeeper/internal/server/storage"
)

// querier общий интерфейс *sql.DB и *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const assetColumns = `
	tag, serial, site, status, assigned_technician,
	flagged, flag_notes, flag_technician, flagged_at, notes, inactive,
	hostname, manufacturer, model, location, cmdb_url,
	last_event_id, last_event_ts, created_at, updated_at,
	lease_start, lease_maturity, expiry_flagged`

// GetAssets returns the server state of the given assets keyed by tag
func (s *Storage) GetAssets(ctx context.Context, tags []string) (map[string]*models.Asset, error) {
	result := make(map[string]*models.Asset, len(tags))
	if len(tags) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	args := make([]any, 0, len(tags))
	for _, tag := range tags {
		args = append(args, tag)
	}

	query := `SELECT ` + assetColumns + ` FROM assets WHERE tag IN (` + placeholders + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query assets", err)
	}
	defer rows.Close()

	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		result[asset.Tag] = asset
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate assets", err)
	}

	return result, nil
}

// ChangedSince returns assets updated after since ordered by update time
func (s *Storage) ChangedSince(ctx context.Context, since time.Time) ([]*models.Asset, time.Time, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE updated_at > ? ORDER BY updated_at, tag`

	rows, err := s.db.QueryContext(ctx, query, toNanos(since))
	if err != nil {
		return nil, since, classify("query changed assets", err)
	}
	defer rows.Close()

	assets := make([]*models.Asset, 0)
	cursor := since
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, since, err
		}
		if asset.UpdatedAt.After(cursor) {
			cursor = asset.UpdatedAt
		}
		assets = append(assets, asset)
	}

	if err := rows.Err(); err != nil {
		return nil, since, classify("iterate changed assets", err)
	}

	return assets, cursor, nil
}

// getAsset retrieves a single asset by tag
// Returns ErrAssetNotFound if asset doesn't exist
func getAsset(ctx context.Context, q querier, tag string) (*models.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE tag = ?`

	asset, err := scanAsset(q.QueryRowContext(ctx, query, tag))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAssetNotFound
		}
		return nil, err
	}

	return asset, nil
}

func insertAsset(ctx context.Context, q querier, a *models.Asset) error {
	query := `INSERT INTO assets (` + assetColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.ExecContext(ctx, query,
		a.Tag, a.Serial, a.Site, string(a.Status), a.AssignedTechnician,
		boolToInt(a.Flagged), a.FlagNotes, a.FlagTechnician, nullableNanos(a.FlaggedAt), a.Notes, boolToInt(a.Inactive),
		a.Hostname, a.Manufacturer, a.Model, a.Location, a.CMDBURL,
		a.LastEventID, nullableNanos(a.LastEventTimestamp), toNanos(a.CreatedAt), toNanos(a.UpdatedAt),
		nullableNanos(a.LeaseStart), nullableNanos(a.LeaseMaturity), boolToInt(a.ExpiryFlagged),
	)
	if err != nil {
		return classify("insert asset", err)
	}

	return nil
}

func updateAsset(ctx context.Context, q querier, a *models.Asset) error {
	query := `
		UPDATE assets
		SET site = ?, status = ?, assigned_technician = ?,
		    flagged = ?, flag_notes = ?, flag_technician = ?, flagged_at = ?, notes = ?, inactive = ?,
		    last_event_id = ?, last_event_ts = ?, updated_at = ?,
		    lease_start = ?, lease_maturity = ?, expiry_flagged = ?
		WHERE tag = ?
	`

	res, err := q.ExecContext(ctx, query,
		a.Site, string(a.Status), a.AssignedTechnician,
		boolToInt(a.Flagged), a.FlagNotes, a.FlagTechnician, nullableNanos(a.FlaggedAt), a.Notes, boolToInt(a.Inactive),
		a.LastEventID, nullableNanos(a.LastEventTimestamp), toNanos(a.UpdatedAt),
		nullableNanos(a.LeaseStart), nullableNanos(a.LeaseMaturity), boolToInt(a.ExpiryFlagged),
		a.Tag,
	)
	if err != nil {
		return classify("update asset", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return classify("update asset", err)
	}
	if n == 0 {
		return storage.ErrAssetNotFound
	}

	return nil
}

func scanAsset(row rowScanner) (*models.Asset, error) {
	var (
		a                           models.Asset
		status                      string
		flagged, inactive, expiring int
		flaggedAt, lastEventTS      sql.NullInt64
		leaseStart, leaseMaturity   sql.NullInt64
		createdAt, updatedAt        int64
	)

	err := row.Scan(
		&a.Tag, &a.Serial, &a.Site, &status, &a.AssignedTechnician,
		&flagged, &a.FlagNotes, &a.FlagTechnician, &flaggedAt, &a.Notes, &inactive,
		&a.Hostname, &a.Manufacturer, &a.Model, &a.Location, &a.CMDBURL,
		&a.LastEventID, &lastEventTS, &createdAt, &updatedAt,
		&leaseStart, &leaseMaturity, &expiring,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify("scan asset", err)
	}

	a.Status = models.AssetStatus(status)
	a.Flagged = flagged != 0
	a.Inactive = inactive != 0
	a.ExpiryFlagged = expiring != 0
	a.LeaseStart = timePtr(leaseStart)
	a.LeaseMaturity = timePtr(leaseMaturity)
	a.FlaggedAt = timePtr(flaggedAt)
	a.LastEventTimestamp = timePtr(lastEventTS)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)

	return &a, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// ensureAsset loads the asset or creates it from lookup metadata.
func (s *Storage) ensureAsset(ctx context.Context, tx *sql.Tx, tag string, md *models.AssetMetadata) (*models.Asset, error) {
	asset, err := getAsset(ctx, tx, tag)
	if err == nil {
		return asset, nil
	}
	if !errors.Is(err, storage.ErrAssetNotFound) || md == nil {
		return nil, err
	}

	now := s.clock.Now()
	asset = models.NewAsset(*md, now)
	asset.Tag = tag
	if err := insertAsset(ctx, tx, asset); err != nil {
		return nil, fmt.Errorf("create asset %s: %w", tag, err)
	}

	return asset, nil
}
