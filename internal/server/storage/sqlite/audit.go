package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Повторная доставка: возвращаем прежний результат без изменений
	prior, err := getEvent(ctx, tx, event.ID)
	switch {
	case err == nil:
		asset, err := getAsset(ctx, tx, prior.AssetTag)
		if err != nil {
			return nil, err
		}
		return &storage.ApplyResult{ServerTimestamp: *prior.ServerTimestamp, Asset: asset, Duplicate: true}, nil
	case !errors.Is(err, storage.ErrEventNotFound):
		return nil, err
	}

	asset, err := s.ensureAsset(ctx, tx, event.AssetTag, newAsset)
	if err != nil {
		return nil, err
	}

	// Compare-and-set по последнему событию актива
	if asset.LastEventID != event.PrevEventID {
		return nil, conflict(ctx, tx, asset, fmt.Sprintf("asset %s was changed by event %s, expected %q",
			asset.Tag, asset.LastEventID, event.PrevEventID))
	}
	if err := event.CheckTransition(asset); err != nil {
		return nil, conflict(ctx, tx, asset, err.Error())
	}

	if asset.LastEventTimestamp != nil {
		s.clock.Observe(*asset.LastEventTimestamp)
	}
	ts := s.clock.Now()

	if err := event.ApplyTo(asset, ts); err != nil {
		return nil, err
	}

	query := `INSERT INTO check_events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		event.ID,
		event.AssetTag,
		event.Technician,
		string(event.Type),
		event.Site,
		event.Notes,
		event.PrevEventID,
		toNanos(event.ClientTimestamp),
		toNanos(ts),
	)
	if err != nil {
		return nil, classify("insert event", err)
	}

	if err := updateAsset(ctx, tx, asset); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit", err)
	}

	return &storage.ApplyResult{ServerTimestamp: ts, Asset: asset}, nil
}

// ApplyAnnotation applies flag/notes/deactivate changes in arrival order
func (s *Storage) ApplyAnnotation(ctx context.Context, an *models.Annotation, newAsset *models.AssetMetadata) (*storage.ApplyResult, error) {
	if err := an.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var priorTS int64
	err = tx.QueryRowContext(ctx, `SELECT server_ts FROM annotations WHERE annotation_id = ?`, an.ID).Scan(&priorTS)
	switch {
	case err == nil:
		asset, err := getAsset(ctx, tx, an.AssetTag)
		if err != nil {
			return nil, err
		}
		return &storage.ApplyResult{ServerTimestamp: fromNanos(priorTS), Asset: asset, Duplicate: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, classify("query annotation", err)
	}

	asset, err := s.ensureAsset(ctx, tx, an.AssetTag, newAsset)
	if err != nil {
		return nil, err
	}

	ts := s.clock.Now()
	an.ApplyTo(asset, ts)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO annotations (annotation_id, asset_tag, technician, kind, text, client_ts, server_ts, lease_start, lease_maturity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		an.ID, an.AssetTag, an.Technician, string(an.Kind), an.Text, toNanos(an.ClientTimestamp), toNanos(ts),
		nullableNanos(an.LeaseStart), nullableNanos(an.LeaseMaturity),
	)
	if err != nil {
		return nil, classify("insert annotation", err)
	}

	if err := updateAsset(ctx, tx, asset); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit", err)
	}

	return &storage.ApplyResult{ServerTimestamp: ts, Asset: asset}, nil
}

// GetEvent retrieves an accepted event by ID
// Returns ErrEventNotFound if the server never accepted it
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*models.CheckEvent, error) {
	return getEvent(ctx, s.db, eventID)
}

// History returns all events of an asset ordered by server timestamp
func (s *Storage) History(ctx context.Context, tag string) ([]*models.CheckEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM check_events WHERE asset_tag = ? ORDER BY server_ts, event_id`

	rows, err := s.db.QueryContext(ctx, query, tag)
	if err != nil {
		return nil, classify("query history", err)
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
		return nil, classify("iterate history", err)
	}

	return events, nil
}

// RecentHistory returns events accepted at or after since, newest first
func (s *Storage) RecentHistory(ctx context.Context, since time.Time) ([]*models.CheckEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM check_events WHERE server_ts >= ? ORDER BY server_ts DESC, event_id`
	return s.queryEvents(ctx, "recent history", query, toNanos(since))
}

// SearchHistory returns events of assets whose tag or serial contains term, newest first
func (s *Storage) SearchHistory(ctx context.Context, term string) ([]*models.CheckEvent, error) {
	pattern := "%" + storage.EscapeLike(term) + "%"
	query := `
		SELECT e.event_id, e.asset_tag, e.technician, e.type, e.site, e.notes,
		       e.prev_event_id, e.client_ts, e.server_ts
		FROM check_events e
		JOIN assets a ON a.tag = e.asset_tag
		WHERE a.tag LIKE ? ESCAPE '\' OR a.serial LIKE ? ESCAPE '\'
		ORDER BY e.server_ts DESC, e.event_id`
	return s.queryEvents(ctx, "search history", query, pattern, pattern)
}

func (s *Storage) queryEvents(ctx context.Context, op, query string, args ...any) ([]*models.CheckEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func getEvent(ctx context.Context, q querier, eventID string) (*models.CheckEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM check_events WHERE event_id = ?`

	event, err := scanEvent(q.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEventNotFound
		}
		return nil, err
	}

	return event, nil
}

func scanEvent(row rowScanner) (*models.CheckEvent, error) {
	var (
		e                  models.CheckEvent
		typ                string
		clientTS, serverTS int64
	)

	err := row.Scan(&e.ID, &e.AssetTag, &e.Technician, &typ, &e.Site, &e.Notes, &e.PrevEventID, &clientTS, &serverTS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify("scan event", err)
	}

	e.Type = models.EventType(typ)
	e.ClientTimestamp = fromNanos(clientTS)
	st := fromNanos(serverTS)
	e.ServerTimestamp = &st

	return &e, nil
}

// conflict builds a ConflictError with the server's last event attached.
func conflict(ctx context.Context, q querier, asset *models.Asset, reason string) error {
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
