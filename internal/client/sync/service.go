package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iudanet/benchkeeper/internal/client/storage"
	"github.com/iudanet/benchkeeper/internal/failover"
	"github.com/iudanet/benchkeeper/internal/metrics"
	"github.com/iudanet/benchkeeper/internal/models"
	centralstore "github.com/iudanet/benchkeeper/internal/server/storage"
)

// Selector provides the currently authoritative central store
type Selector interface {
	Store() (centralstore.Store, models.EndpointStatus, bool)
	Current() models.EndpointStatus
	Transitions() <-chan failover.Transition
	Trigger()
}

// Publisher receives acknowledged check events, e.g. a message broker
type Publisher interface {
	PublishEvent(ctx context.Context, event *models.CheckEvent) error
}

// Config задает интервалы и пороги движка синхронизации
type Config struct {
	DeliveryTimeout time.Duration // ограничение одной попытки доставки
	BackoffBase     time.Duration // первая пауза после временной ошибки
	BackoffMax      time.Duration // верхняя граница паузы
	RefreshInterval time.Duration // период обновления зеркала в онлайне
	CursorOverlap   time.Duration // перекрытие окна при запросе изменений
	ArchiveAfter    time.Duration // сколько хранить подтвержденные операции
	AlertThreshold  int           // глубина очереди, начиная с которой выставляется alert
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		DeliveryTimeout: 10 * time.Second,
		BackoffBase:     time.Second,
		BackoffMax:      30 * time.Second,
		RefreshInterval: 30 * time.Second,
		CursorOverlap:   5 * time.Second,
		ArchiveAfter:    24 * time.Hour,
		AlertThreshold:  50,
	}
}

// Engine accepts local operations, delivers them to the selected central
// store in FIFO order and reconciles the local mirror on reconnect.
type Engine struct {
	local     storage.LocalStore
	selector  Selector
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	wake      chan struct{}
	subs      map[int]chan Status
	lastError string
	cfg       Config
	nextSub   int
	mu        gosync.Mutex
}

// Option configures Engine
type Option func(*Engine)

// WithPublisher publishes acknowledged check events
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithMetrics records delivery outcomes and queue gauges
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithConfig overrides intervals and thresholds
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// NewEngine creates a new sync engine
func NewEngine(local storage.LocalStore, selector Selector, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		local:    local,
		selector: selector,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		subs:     make(map[int]chan Status),
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit applies the operation locally and wakes the delivery loop.
// It returns once the local write is durable; delivery happens in Run.
func (e *Engine) Submit(ctx context.Context, op *models.PendingOperation) (*models.Asset, error) {
	asset, err := e.local.ApplyLocally(ctx, op)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Operation queued",
		"id", op.ID(),
		"asset_tag", op.AssetTag(),
		"kind", op.Kind)

	e.notify()
	e.publishStatus(ctx)

	return asset, nil
}

// Withdraw cancels a queued operation and restores the asset
func (e *Engine) Withdraw(ctx context.Context, id string) (*models.Asset, error) {
	asset, err := e.local.Withdraw(ctx, id)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Operation withdrawn", "id", id, "asset_tag", asset.Tag)
	e.publishStatus(ctx)

	return asset, nil
}

// ResolveConflict archives a reviewed conflict
func (e *Engine) ResolveConflict(ctx context.Context, id string) error {
	if err := e.local.ResolveConflict(ctx, id); err != nil {
		return err
	}

	e.logger.Info("Conflict resolved", "id", id)
	e.publishStatus(ctx)

	return nil
}

// Conflicts returns conflicted operations awaiting review
func (e *Engine) Conflicts(ctx context.Context) ([]*models.PendingOperation, error) {
	return e.local.Conflicts(ctx)
}

// History returns the audit log of an asset from the current endpoint
func (e *Engine) History(ctx context.Context, tag string) ([]*models.CheckEvent, error) {
	return e.queryHistory(ctx, "history", func(store centralstore.Store) ([]*models.CheckEvent, error) {
		return store.History(ctx, tag)
	})
}

// RecentHistory returns events of all assets accepted during the last days
func (e *Engine) RecentHistory(ctx context.Context, days int) ([]*models.CheckEvent, error) {
	since := time.Now().AddDate(0, 0, -days)
	return e.queryHistory(ctx, "recent history", func(store centralstore.Store) ([]*models.CheckEvent, error) {
		return store.RecentHistory(ctx, since)
	})
}

// SearchHistory returns events of assets whose tag or serial contains term
func (e *Engine) SearchHistory(ctx context.Context, term string) ([]*models.CheckEvent, error) {
	return e.queryHistory(ctx, "search history", func(store centralstore.Store) ([]*models.CheckEvent, error) {
		return store.SearchHistory(ctx, term)
	})
}

// queryHistory читает журнал с текущего узла; история только серверная
func (e *Engine) queryHistory(ctx context.Context, op string, fn func(centralstore.Store) ([]*models.CheckEvent, error)) ([]*models.CheckEvent, error) {
	store, _, ok := e.selector.Store()
	if !ok {
		return nil, ErrOffline
	}

	events, err := fn(store)
	if err != nil {
		if errors.Is(err, centralstore.ErrTransient) {
			e.selector.Trigger()
		}
		return nil, fmt.Errorf("failed to get %s: %w", op, err)
	}

	return events, nil
}

// Run delivers queued operations until ctx is done. Reconciliation runs on
// every transition into an online role.
func (e *Engine) Run(ctx context.Context) error {
	bo := e.newBackoff()

	retry := time.NewTimer(0)
	if !retry.Stop() {
		<-retry.C
	}
	defer retry.Stop()

	refresh := time.NewTicker(e.cfg.RefreshInterval)
	defer refresh.Stop()

	if e.selector.Current().Online() {
		e.reconcile(ctx)
	}

	// До retryAt новые операции и тики только копятся в очереди
	var retryAt time.Time
	for {
		if retryAt.IsZero() || !time.Now().Before(retryAt) {
			retryAt = time.Time{}
			err := e.drain(ctx)
			switch {
			case err == nil || errors.Is(err, ErrOffline):
				bo.Reset()
			case ctx.Err() != nil:
				return nil
			default:
				wait := bo.NextBackOff()
				e.logger.Warn("Delivery failed, retrying", "error", err, "retry_in", wait)
				retryAt = time.Now().Add(wait)
				retry.Reset(wait)
			}
			e.publishStatus(ctx)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		case <-retry.C:
		case tr := <-e.selector.Transitions():
			e.logger.Info("Connectivity changed", "from", tr.From.RoleLabel(), "to", tr.To.RoleLabel())
			if tr.To.Online() {
				bo.Reset()
				retryAt = time.Time{}
				e.reconcile(ctx)
			}
		case <-refresh.C:
			e.refresh(ctx)
		}
	}
}

// drain доставляет операции по порядку, пока очередь не опустеет или не
// случится временная ошибка
func (e *Engine) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		store, _, ok := e.selector.Store()
		if !ok {
			return ErrOffline
		}

		op, err := e.local.NextPending(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		if op == nil {
			return nil
		}

		if err := e.deliver(ctx, store, op); err != nil {
			return err
		}
	}
}

// deliver выполняет одну попытку доставки и переводит операцию в следующее
// состояние. Ошибка возвращается только для временных сбоев.
func (e *Engine) deliver(ctx context.Context, store centralstore.Store, op *models.PendingOperation) error {
	if err := e.local.MarkInFlight(ctx, op.ID()); err != nil {
		return fmt.Errorf("failed to mark in flight: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	var (
		res *centralstore.ApplyResult
		err error
	)
	switch op.Kind {
	case models.OperationAnnotation:
		res, err = store.ApplyAnnotation(dctx, op.Annotation, op.NewAsset)
	default:
		res, err = store.ApplyEvent(dctx, op.Event, op.NewAsset)
	}

	var conflictErr *centralstore.ConflictError
	switch {
	case err == nil:
		return e.acknowledge(ctx, op, res)

	case errors.As(err, &conflictErr):
		e.metrics.ObserveDelivery(metrics.DeliveryConflicted)
		e.logger.Warn("Operation conflicted",
			"id", op.ID(),
			"asset_tag", op.AssetTag(),
			"reason", conflictErr.Reason)
		return e.markConflicted(ctx, op, &models.Conflict{
			ServerAsset: conflictErr.Asset,
			ServerEvent: conflictErr.LastEvent,
			Reason:      conflictErr.Reason,
		})

	case errors.Is(err, centralstore.ErrTransient), ctx.Err() != nil, dctx.Err() != nil:
		e.metrics.ObserveDelivery(metrics.DeliveryTransient)
		e.setLastError(err)
		if rerr := e.local.Requeue(context.WithoutCancel(ctx), op.ID(), err); rerr != nil {
			return fmt.Errorf("failed to requeue %s: %w", op.ID(), rerr)
		}
		e.selector.Trigger()
		return err

	default:
		// Постоянная ошибка: операция не теряется, а уходит на разбор
		e.metrics.ObserveDelivery(metrics.DeliveryConflicted)
		e.logger.Error("Operation rejected", "id", op.ID(), "error", err)
		return e.markConflicted(ctx, op, &models.Conflict{Reason: err.Error()})
	}
}

func (e *Engine) acknowledge(ctx context.Context, op *models.PendingOperation, res *centralstore.ApplyResult) error {
	if err := e.local.MarkAcknowledged(ctx, op.ID(), res.ServerTimestamp, res.Asset); err != nil {
		return fmt.Errorf("failed to acknowledge %s: %w", op.ID(), err)
	}
	e.setLastError(nil)

	if res.Duplicate {
		e.metrics.ObserveDelivery(metrics.DeliveryDuplicate)
		e.logger.Debug("Operation already accepted", "id", op.ID())
		return nil
	}

	e.metrics.ObserveDelivery(metrics.DeliveryAcknowledged)
	e.logger.Info("Operation acknowledged",
		"id", op.ID(),
		"asset_tag", op.AssetTag(),
		"server_timestamp", res.ServerTimestamp)

	if e.publisher != nil && op.Kind == models.OperationCheck {
		event := op.Event.Clone()
		ts := res.ServerTimestamp
		event.ServerTimestamp = &ts
		if err := e.publisher.PublishEvent(ctx, event); err != nil {
			e.logger.Warn("Failed to publish event", "id", op.ID(), "error", err)
		}
	}

	return nil
}

func (e *Engine) markConflicted(ctx context.Context, op *models.PendingOperation, c *models.Conflict) error {
	if err := e.local.MarkConflicted(ctx, op.ID(), c); err != nil {
		return fmt.Errorf("failed to mark conflict %s: %w", op.ID(), err)
	}
	return nil
}

func (e *Engine) refresh(ctx context.Context) {
	store, _, ok := e.selector.Store()
	if !ok {
		return
	}

	if err := e.pull(ctx, store); err != nil {
		e.logger.Warn("Mirror refresh failed", "error", err)
	}

	n, err := e.local.ArchiveAcknowledged(ctx, e.cfg.ArchiveAfter)
	if err != nil {
		e.logger.Warn("Failed to archive acknowledged operations", "error", err)
		return
	}
	if n > 0 {
		e.logger.Debug("Archived acknowledged operations", "count", n)
	}
}

// notify будит цикл доставки без блокировки
func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffBase
	bo.MaxInterval = e.cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err == nil {
		e.lastError = ""
		return
	}
	e.lastError = err.Error()
}
