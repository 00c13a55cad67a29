package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/benchkeeper/internal/models"
	centralstore "github.com/iudanet/benchkeeper/internal/server/storage"
)

// ReconcileResult contains reconciliation results
type ReconcileResult struct {
	Checked    int // количество проверенных операций
	Conflicted int // количество операций, помеченных конфликтными
	Pulled     int // количество активов, полученных с сервера
}

// reconcile вызывается при переходе в онлайн. Ошибки только логируются:
// очередь остается в целости и цикл доставки повторит попытку.
func (e *Engine) reconcile(ctx context.Context) {
	store, status, ok := e.selector.Store()
	if !ok {
		return
	}

	e.logger.Info("Starting reconciliation", "endpoint", status.Name, "role", status.RoleLabel())

	result, err := e.Reconcile(ctx, store)
	if err != nil {
		e.setLastError(err)
		if errors.Is(err, centralstore.ErrTransient) {
			e.selector.Trigger()
		}
		e.logger.Warn("Reconciliation failed", "error", err)
		return
	}

	e.logger.Info("Reconciliation completed",
		"checked", result.Checked,
		"conflicted", result.Conflicted,
		"pulled", result.Pulled)
}

// Reconcile pre-checks queued check events against the server state, marks
// the ones built on a stale view as conflicted, delivers the rest and pulls
// assets changed since the last sync.
//  1. Fetch the server state of every asset touched by the queue
//  2. Walk the queue in FIFO order tracking the expected server head per asset
//  3. Drain the queue
//  4. Pull changed assets into the mirror
func (e *Engine) Reconcile(ctx context.Context, store centralstore.Store) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	ops, err := e.local.PendingOps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending operations: %w", err)
	}

	tags := make([]string, 0, len(ops))
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if op.Kind != models.OperationCheck || seen[op.AssetTag()] {
			continue
		}
		seen[op.AssetTag()] = true
		tags = append(tags, op.AssetTag())
	}

	if len(tags) > 0 {
		server, err := store.GetAssets(ctx, tags)
		if err != nil {
			return nil, fmt.Errorf("failed to get server assets: %w", err)
		}

		conflicted, err := e.precheck(ctx, store, ops, server)
		result.Checked = len(ops)
		result.Conflicted = conflicted
		if err != nil {
			return result, err
		}
	}

	if err := e.drain(ctx); err != nil && !errors.Is(err, ErrOffline) {
		return result, err
	}

	pulled, err := e.pullCount(ctx, store)
	result.Pulled = pulled
	if err != nil {
		return result, err
	}

	return result, nil
}

// precheck сверяет prev_event_id каждого события с ожидаемой головой актива
// на сервере. Операции, уже принятые сервером, остаются для идемпотентного
// подтверждения. Зависимые события конфликтуют каскадом в LocalStore.
func (e *Engine) precheck(ctx context.Context, store centralstore.Store, ops []*models.PendingOperation, server map[string]*models.Asset) (int, error) {
	head := make(map[string]string, len(server))
	for tag, asset := range server {
		head[tag] = asset.LastEventID
	}

	conflicted := make(map[string]bool)
	count := 0

	for _, op := range ops {
		if op.Kind != models.OperationCheck {
			continue
		}
		tag := op.AssetTag()
		if conflicted[tag] {
			continue
		}

		if op.Event.PrevEventID == head[tag] {
			head[tag] = op.ID()
			continue
		}

		applied, err := e.appliedOnServer(ctx, store, op.ID())
		if err != nil {
			return count, err
		}
		if applied {
			continue
		}

		c := &models.Conflict{
			ServerAsset: server[tag],
			Reason:      fmt.Sprintf("asset %s changed on server since event was queued", tag),
		}
		if lastID := head[tag]; lastID != "" {
			if ev, err := store.GetEvent(ctx, lastID); err == nil {
				c.ServerEvent = ev
			}
		}

		e.logger.Warn("Queued event conflicts with server state",
			"id", op.ID(),
			"asset_tag", tag,
			"prev_event_id", op.Event.PrevEventID,
			"server_event_id", head[tag])

		if err := e.markConflicted(ctx, op, c); err != nil {
			return count, err
		}
		conflicted[tag] = true
		count++
	}

	return count, nil
}

func (e *Engine) appliedOnServer(ctx context.Context, store centralstore.Store, id string) (bool, error) {
	_, err := store.GetEvent(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, centralstore.ErrEventNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up event %s: %w", id, err)
	}
}

func (e *Engine) pull(ctx context.Context, store centralstore.Store) error {
	_, err := e.pullCount(ctx, store)
	return err
}

// pullCount загружает активы, измененные после курсора. Окно перекрывается,
// чтобы не пропустить транзакции, зафиксированные с опозданием.
func (e *Engine) pullCount(ctx context.Context, store centralstore.Store) (int, error) {
	cursor, err := e.local.LastSyncCursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get sync cursor: %w", err)
	}

	since := cursor
	if !since.IsZero() {
		since = since.Add(-e.cfg.CursorOverlap)
	}

	assets, latest, err := store.ChangedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to get changed assets: %w", err)
	}

	if err := e.local.ApplySnapshot(ctx, assets, latest); err != nil {
		return 0, fmt.Errorf("failed to apply snapshot: %w", err)
	}

	return len(assets), nil
}
