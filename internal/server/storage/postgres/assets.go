package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iudanet/benchkeeper/internal/models"
	"github.com/iudanet/benchkeeper/internal/server/storage"
)

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

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE tag = ANY($1)`, tags)
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
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, since, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE updated_at > $1 ORDER BY updated_at, tag`, since.UTC())
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

// lockAsset loads the asset with a row lock, creating it from metadata when
// missing. Concurrent first sightings of the same tag converge on one row.
func lockAsset(ctx context.Context, tx pgx.Tx, tag string, md *models.AssetMetadata, now time.Time) (*models.Asset, error) {
	if md != nil {
		a := models.NewAsset(*md, now)
		_, err := tx.Exec(ctx, `
			INSERT INTO assets (tag, serial, hostname, manufacturer, model, location, cmdb_url, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			ON CONFLICT (tag) DO NOTHING`,
			tag, a.Serial, a.Hostname, a.Manufacturer, a.Model, a.Location, a.CMDBURL, string(a.Status), now,
		)
		if err != nil {
			return nil, classify("insert asset", err)
		}
	}

	asset, err := scanAsset(tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE tag = $1 FOR UPDATE`, tag))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrAssetNotFound
		}
		return nil, err
	}

	return asset, nil
}

func updateAsset(ctx context.Context, tx pgx.Tx, a *models.Asset) error {
	tag, err := tx.Exec(ctx, `
		UPDATE assets
		SET site = $1, status = $2, assigned_technician = $3,
		    flagged = $4, flag_notes = $5, flag_technician = $6, flagged_at = $7, notes = $8, inactive = $9,
		    last_event_id = $10, last_event_ts = $11, updated_at = $12,
		    lease_start = $13, lease_maturity = $14, expiry_flagged = $15
		WHERE tag = $16`,
		a.Site, string(a.Status), a.AssignedTechnician,
		a.Flagged, a.FlagNotes, a.FlagTechnician, a.FlaggedAt, a.Notes, a.Inactive,
		a.LastEventID, a.LastEventTimestamp, a.UpdatedAt,
		a.LeaseStart, a.LeaseMaturity, a.ExpiryFlagged,
		a.Tag,
	)
	if err != nil {
		return classify("update asset", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update asset %s: %w", a.Tag, storage.ErrAssetNotFound)
	}

	return nil
}

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var (
		a      models.Asset
		status string
	)

	err := row.Scan(
		&a.Tag, &a.Serial, &a.Site, &status, &a.AssignedTechnician,
		&a.Flagged, &a.FlagNotes, &a.FlagTechnician, &a.FlaggedAt, &a.Notes, &a.Inactive,
		&a.Hostname, &a.Manufacturer, &a.Model, &a.Location, &a.CMDBURL,
		&a.LastEventID, &a.LastEventTimestamp, &a.CreatedAt, &a.UpdatedAt,
		&a.LeaseStart, &a.LeaseMaturity, &a.ExpiryFlagged,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, classify("scan asset", err)
	}

	a.Status = models.AssetStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.FlaggedAt != nil {
		t := a.FlaggedAt.UTC()
		a.FlaggedAt = &t
	}
	for _, ts := range []**time.Time{&a.LastEventTimestamp, &a.LeaseStart, &a.LeaseMaturity} {
		if *ts != nil {
			t := (*ts).UTC()
			*ts = &t
		}
	}

	return &a, nil
}
