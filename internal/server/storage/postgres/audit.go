package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iudanet/benchkeeper/internal/clock"
	"github.com/iudanet/benchkeeper/internal/models"
	"github.com/iudanet/benchkeeper/internal/server/storage"
)

const eventColumns = `
	event_id, asset_tag, technician, type, site, notes,
	prev_event_id, client_ts, server_ts`

// ApplyEvent appends the event to the audit log and updates the asset in one transaction
func (s *Storage) ApplyEvent(ctx context.Context, event *models.CheckEvent, newAsset *models.AssetMetadata) (*storage.ApplyResult, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	var result *storage.ApplyResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		prior, err := getEvent(ctx, tx, event.ID)
		switch {
		case err == nil:
			asset, err := lockAsset(ctx, tx, prior.AssetTag, nil, time.Time{})
			if err != nil {
				return err
			}
			result = &storage.ApplyResult{ServerTimestamp: *prior.ServerTimestamp, Asset: asset, Duplicate: true}
			return nil
		case !errors.Is(err, storage.ErrEventNotFound):
			return err
		}

		now, err := serverNow(ctx, tx)
		if err != nil {
			return err
		}

		asset, err := lockAsset(ctx, tx, event.AssetTag, newAsset, now)
		if err != nil {
			return err
		}

		if asset.LastEventID != event.PrevEventID {
			return conflict(ctx, tx, asset, fmt.Sprintf("asset %s was changed by event %s, expected %q",
				asset.Tag, asset.LastEventID, event.PrevEventID))
		}
		if err := event.CheckTransition(asset); err != nil {
			return conflict(ctx, tx, asset, err.Error())
		}

		// серверное время строго больше времени предыдущего события актива
		ts := now
		if asset.LastEventTimestamp != nil && !ts.After(*asset.LastEventTimestamp) {
			ts = asset.LastEventTimestamp.Add(clock.Resolution)
		}

		if err := event.ApplyTo(asset, ts); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `INSERT INTO check_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			event.ID,
			event.AssetTag,
			event.Technician,
			string(event.Type),
			event.Site,
			event.Notes,
			event.PrevEventID,
			event.ClientTimestamp.UTC(),
			ts,
		)
		if err != nil {
			return classify("insert event", err)
		}

		if err := updateAsset(ctx, tx, asset); err != nil {
			return err
		}

		result = &storage.ApplyResult{ServerTimestamp: ts, Asset: asset}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ApplyAnnotation applies flag/notes/deactivate changes in arrival order
func (s *Storage) ApplyAnnotation(ctx context.Context, an *models.Annotation, newAsset *models.AssetMetadata) (*storage.ApplyResult, error) {
	if err := an.Validate(); err != nil {
		return nil, err
	}

	var result *storage.ApplyResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var priorTS time.Time
		err := tx.QueryRow(ctx, `SELECT server_ts FROM annotations WHERE annotation_id = $1`, an.ID).Scan(&priorTS)
		switch {
		case err == nil:
			asset, err := lockAsset(ctx, tx, an.AssetTag, nil, time.Time{})
			if err != nil {
				return err
			}
			result = &storage.ApplyResult{ServerTimestamp: priorTS.UTC(), Asset: asset, Duplicate: true}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return classify("query annotation", err)
		}

		ts, err := serverNow(ctx, tx)
		if err != nil {
			return err
		}

		asset, err := lockAsset(ctx, tx, an.AssetTag, newAsset, ts)
		if err != nil {
			return err
		}

		an.ApplyTo(asset, ts)

		_, err = tx.Exec(ctx, `
			INSERT INTO annotations (annotation_id, asset_tag, technician, kind, text, client_ts, server_ts, lease_start, lease_maturity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			an.ID, an.AssetTag, an.Technician, string(an.Kind), an.Text, an.ClientTimestamp.UTC(), ts,
			an.LeaseStart, an.LeaseMaturity,
		)
		if err != nil {
			return classify("insert annotation", err)
		}

		if err := updateAsset(ctx, tx, asset); err != nil {
			return err
		}

		result = &storage.ApplyResult{ServerTimestamp: ts, Asset: asset}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetEvent retrieves an accepted event by ID
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*models.CheckEvent, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return getEvent(ctx, conn, eventID)
}

// History returns all events of an asset ordered by server timestamp
func (s *Storage) History(ctx context.Context, tag string) ([]*models.CheckEvent, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return queryEvents(ctx, conn, "history",
		`SELECT `+eventColumns+` FROM check_events WHERE asset_tag = $1 ORDER BY server_ts, event_id`, tag)
}

// RecentHistory returns events accepted at or after since, newest first
func (s *Storage) RecentHistory(ctx context.Context, since time.Time) ([]*models.CheckEvent, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return queryEvents(ctx, conn, "recent history",
		`SELECT `+eventColumns+` FROM check_events WHERE server_ts >= $1 ORDER BY server_ts DESC, event_id`, since.UTC())
}

// SearchHistory returns events of assets whose tag or serial contains term, newest first
func (s *Storage) SearchHistory(ctx context.Context, term string) ([]*models.CheckEvent, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return queryEvents(ctx, conn, "search history", `
		SELECT e.event_id, e.asset_tag, e.technician, e.type, e.site, e.notes,
		       e.prev_event_id, e.client_ts, e.server_ts
		FROM check_events e
		JOIN assets a ON a.tag = e.asset_tag
		WHERE a.tag ILIKE $1 OR a.serial ILIKE $1
		ORDER BY e.server_ts DESC, e.event_id`, "%"+storage.EscapeLike(term)+"%")
}

func queryEvents(ctx context.Context, conn *pgxpool.Conn, op, query string, args ...any) ([]*models.CheckEvent, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query "+op, err)
	}
	defer rows.Close()

	events := make([]*models.CheckEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate "+op, err)
	}

	return events, nil
}

// inTx runs fn inside a transaction on a pooled connection.
func (s *Storage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}

	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func serverNow(ctx context.Context, q queryRower) (time.Time, error) {
	var now time.Time
	if err := q.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, classify("server clock", err)
	}
	return now.UTC().Truncate(clock.Resolution), nil
}

func getEvent(ctx context.Context, q queryRower, eventID string) (*models.CheckEvent, error) {
	event, err := scanEvent(q.QueryRow(ctx, `SELECT `+eventColumns+` FROM check_events WHERE event_id = $1`, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrEventNotFound
		}
		return nil, err
	}
	return event, nil
}

func scanEvent(row pgx.Row) (*models.CheckEvent, error) {
	var (
		e        models.CheckEvent
		typ      string
		serverTS time.Time
	)

	err := row.Scan(&e.ID, &e.AssetTag, &e.Technician, &typ, &e.Site, &e.Notes, &e.PrevEventID, &e.ClientTimestamp, &serverTS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, classify("scan event", err)
	}

	e.Type = models.EventType(typ)
	e.ClientTimestamp = e.ClientTimestamp.UTC()
	serverTS = serverTS.UTC()
	e.ServerTimestamp = &serverTS

	return &e, nil
}

func conflict(ctx context.Context, q queryRower, asset *models.Asset, reason string) error {
	cerr := &storage.ConflictError{Asset: asset, Reason: reason}
	if asset.LastEventID == "" {
		return cerr
	}

	last, err := getEvent(ctx, q, asset.LastEventID)
	if err != nil && !errors.Is(err, storage.ErrEventNotFound) {
		return err
	}
	cerr.LastEvent = last

	return cerr
}
