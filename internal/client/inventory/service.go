// Package inventory implements the technician-facing operations on assets:
// check-in and check-out with first-sighting lookup, flags, notes and
// inventory views. All writes go through the sync engine.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iudanet/benchkeeper/internal/client/storage"
	"github.com/iudanet/benchkeeper/internal/clock"
	"github.com/iudanet/benchkeeper/internal/importer"
	"github.com/iudanet/benchkeeper/internal/lookup"
	"github.com/iudanet/benchkeeper/internal/models"
	"github.com/iudanet/benchkeeper/internal/validation"
)

var (
	// ErrUnknownAsset актив не найден ни локально, ни в справочнике; его нужно зарегистрировать вручную
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrInactiveAsset актив помечен неактивным
	ErrInactiveAsset = errors.New("asset is inactive")
)

// Engine accepts operations for durable local apply and delivery
type Engine interface {
	Submit(ctx context.Context, op *models.PendingOperation) (*models.Asset, error)
	Withdraw(ctx context.Context, id string) (*models.Asset, error)
}

// CheckRequest запрос на прием или выдачу
type CheckRequest struct {
	Identifier string // тег или серийный номер, как отсканирован
	Technician string
	Site       string // пусто означает площадку станции по умолчанию
	Notes      string
}

// LeaseRequest новые даты аренды; nil оставляет текущее значение
type LeaseRequest struct {
	Start      *time.Time
	Maturity   *time.Time
	Identifier string
	Technician string
}

// LeaseImportSummary итог импорта файла аренды
type LeaseImportSummary struct {
	NotFound  []string            // серийные номера, которых нет в зеркале
	Errors    []importer.RowError // строки, которые не удалось разобрать или применить
	Total     int
	Updated   int
	Unchanged int
	Skipped   int
	DryRun    bool
}

// Result состояние актива после локального применения и идентификатор операции для отмены
type Result struct {
	Asset       *models.Asset
	OperationID string
	// AutoCheckOut выдача, выполненная автоматически перед установкой флага
	AutoCheckOut string
}

// Service inventory operations of one workstation
type Service struct {
	local       storage.MirrorStorage
	engine      Engine
	lookup      lookup.Lookup
	clock       clock.Clock
	logger      *slog.Logger
	tagPrefix   string
	defaultSite string
	createMu    sync.Mutex // первое появление актива создается один раз
}

// Option configures Service
type Option func(*Service)

// WithLookup sets the asset metadata source used on first sighting
func WithLookup(l lookup.Lookup) Option {
	return func(s *Service) {
		s.lookup = l
	}
}

// WithClock overrides the time source
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithTagPrefix sets the prefix distinguishing tags from serial numbers
func WithTagPrefix(prefix string) Option {
	return func(s *Service) {
		s.tagPrefix = prefix
	}
}

// WithDefaultSite sets the site used when a request names none
func WithDefaultSite(site string) Option {
	return func(s *Service) {
		s.defaultSite = validation.NormalizeSite(site)
	}
}

// NewService creates the inventory service
func NewService(local storage.MirrorStorage, engine Engine, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		local:     local,
		engine:    engine,
		logger:    logger,
		lookup:    lookup.None,
		clock:     clock.System(),
		tagPrefix: validation.DefaultTagPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckIn returns an asset to the bench
func (s *Service) CheckIn(ctx context.Context, req CheckRequest) (*Result, error) {
	return s.check(ctx, models.EventTypeCheckIn, req)
}

// CheckOut hands an asset out to the technician
func (s *Service) CheckOut(ctx context.Context, req CheckRequest) (*Result, error) {
	return s.check(ctx, models.EventTypeCheckOut, req)
}

func (s *Service) check(ctx context.Context, typ models.EventType, req CheckRequest) (*Result, error) {
	site, err := s.validateRequest(req.Technician, req.Site, req.Notes)
	if err != nil {
		return nil, err
	}

	asset, err := s.Resolve(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	if asset.Inactive {
		return nil, fmt.Errorf("%w: %s", ErrInactiveAsset, asset.Tag)
	}

	ev := models.NewCheckEvent(asset.Tag, req.Technician, typ, site, s.clock.Now())
	ev.Notes = req.Notes

	updated, err := s.engine.Submit(ctx, models.NewCheckOperation(ev))
	if err != nil {
		return nil, err
	}

	s.logger.Info("Asset event accepted",
		"tag", asset.Tag,
		"type", typ,
		"site", site,
		"technician", req.Technician,
		"event_id", ev.ID,
	)
	return &Result{Asset: updated, OperationID: ev.ID}, nil
}

// Flag marks an asset for attention. An asset that is IN is checked out
// to the technician first.
func (s *Service) Flag(ctx context.Context, req CheckRequest) (*Result, error) {
	site, err := s.validateRequest(req.Technician, req.Site, req.Notes)
	if err != nil {
		return nil, err
	}

	asset, err := s.Resolve(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	an := models.NewAnnotation(asset.Tag, req.Technician, models.AnnotationFlag, req.Notes, s.clock.Now())
	if asset.Status == models.AssetStatusIn && !asset.Inactive {
		ev := models.NewCheckEvent(asset.Tag, req.Technician, models.EventTypeCheckOut, site, s.clock.Now())
		ev.Notes = "flagged: " + req.Notes
		if _, err := s.engine.Submit(ctx, models.NewCheckOperation(ev)); err != nil {
			return nil, fmt.Errorf("failed to check out flagged asset: %w", err)
		}
		res.AutoCheckOut = ev.ID
		an.DependsOn = ev.ID
	}

	out, err := s.annotate(ctx, an)
	if err != nil {
		return nil, err
	}
	res.Asset, res.OperationID = out.Asset, out.OperationID
	return res, nil
}

// Unflag clears the flag of an asset
func (s *Service) Unflag(ctx context.Context, tag, technician string) (*Result, error) {
	return s.annotateTag(ctx, tag, technician, models.AnnotationUnflag, "")
}

// SetNotes replaces the free-form notes of an asset
func (s *Service) SetNotes(ctx context.Context, tag, technician, notes string) (*Result, error) {
	if err := validation.ValidateNotes(notes); err != nil {
		return nil, err
	}
	return s.annotateTag(ctx, tag, technician, models.AnnotationNotes, notes)
}

// Deactivate marks an asset inactive. Assets are never deleted.
func (s *Service) Deactivate(ctx context.Context, tag, technician string) (*Result, error) {
	return s.annotateTag(ctx, tag, technician, models.AnnotationDeactivate, "")
}

// Undo withdraws the latest queued operation of an asset
func (s *Service) Undo(ctx context.Context, operationID string) (*models.Asset, error) {
	return s.engine.Withdraw(ctx, operationID)
}

func (s *Service) annotateTag(ctx context.Context, tag, technician string, kind models.AnnotationKind, text string) (*Result, error) {
	if err := validation.ValidateTechnician(technician); err != nil {
		return nil, err
	}
	tag = validation.NormalizeTag(tag)
	if err := validation.ValidateTag(tag); err != nil {
		return nil, err
	}
	if _, err := s.local.GetAsset(ctx, tag); err != nil {
		return nil, err
	}
	return s.annotate(ctx, models.NewAnnotation(tag, technician, kind, text, s.clock.Now()))
}

func (s *Service) annotate(ctx context.Context, an *models.Annotation) (*Result, error) {
	updated, err := s.engine.Submit(ctx, models.NewAnnotationOperation(an))
	if err != nil {
		return nil, err
	}

	s.logger.Info("Asset annotation accepted", "tag", an.AssetTag, "kind", an.Kind, "technician", an.Technician)
	return &Result{Asset: updated, OperationID: an.ID}, nil
}

// UpdateLease records lease dates of an asset. Site and status stay as they are.
func (s *Service) UpdateLease(ctx context.Context, req LeaseRequest) (*Result, error) {
	if err := validation.ValidateTechnician(req.Technician); err != nil {
		return nil, err
	}
	if req.Start == nil && req.Maturity == nil {
		return nil, fmt.Errorf("%w: lease start or maturity is required", validation.ErrInvalidInput)
	}

	asset, err := s.findLocal(ctx, validation.NormalizeTag(req.Identifier))
	if err != nil {
		return nil, err
	}

	an := models.NewLeaseAnnotation(asset.Tag, req.Technician, req.Start, req.Maturity, s.clock.Now())
	if err := an.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", validation.ErrInvalidInput, err)
	}
	return s.annotate(ctx, an)
}

// Expiring returns active assets whose lease ends within days, soonest first
func (s *Service) Expiring(ctx context.Context, days int) ([]*models.Asset, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: days must not be negative", validation.ErrInvalidInput)
	}

	assets, err := s.local.ListAssets(ctx, models.AssetFilterAll)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	expiring := make([]*models.Asset, 0, len(assets))
	for _, a := range assets {
		if !a.Inactive && a.LeaseExpiresWithin(now, days) {
			expiring = append(expiring, a)
		}
	}
	sort.SliceStable(expiring, func(i, j int) bool {
		return expiring[i].LeaseMaturity.Before(*expiring[j].LeaseMaturity)
	})
	return expiring, nil
}

// ImportLeases applies a vendor lease file. Rows are matched to assets by
// serial number; with dryRun nothing is submitted.
func (s *Service) ImportLeases(ctx context.Context, technician string, r io.Reader, filename string, dryRun bool) (*LeaseImportSummary, error) {
	if err := validation.ValidateTechnician(technician); err != nil {
		return nil, err
	}

	parsed, err := importer.ReadLeases(r, filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", validation.ErrInvalidInput, err)
	}

	assets, err := s.local.ListAssets(ctx, models.AssetFilterAll)
	if err != nil {
		return nil, err
	}
	bySerial := make(map[string]*models.Asset, len(assets))
	for _, a := range assets {
		if a.Serial != "" {
			bySerial[strings.ToUpper(a.Serial)] = a
		}
	}

	summary := &LeaseImportSummary{
		Total:   parsed.Total,
		Skipped: parsed.Skipped,
		Errors:  parsed.Errors,
		DryRun:  dryRun,
	}
	for _, row := range parsed.Rows {
		asset, ok := bySerial[strings.ToUpper(row.Serial)]
		if !ok {
			summary.NotFound = append(summary.NotFound, row.Serial)
			continue
		}

		an := models.NewLeaseAnnotation(asset.Tag, technician, row.Start, row.Maturity, s.clock.Now())
		if leaseUnchanged(asset, an) {
			summary.Unchanged++
			continue
		}
		if err := an.Validate(); err != nil {
			summary.Errors = append(summary.Errors, importer.RowError{Row: row.Row, Serial: row.Serial, Message: err.Error()})
			continue
		}
		if !dryRun {
			if _, err := s.engine.Submit(ctx, models.NewAnnotationOperation(an)); err != nil {
				summary.Errors = append(summary.Errors, importer.RowError{Row: row.Row, Serial: row.Serial, Message: err.Error()})
				continue
			}
		}
		summary.Updated++
	}

	s.logger.Info("Lease file imported",
		"file", filename,
		"technician", technician,
		"dry_run", dryRun,
		"total", summary.Total,
		"updated", summary.Updated,
		"unchanged", summary.Unchanged,
		"not_found", len(summary.NotFound),
		"errors", len(summary.Errors),
	)
	return summary, nil
}

func leaseUnchanged(a *models.Asset, an *models.Annotation) bool {
	same := func(cur, next *time.Time) bool {
		return next == nil || (cur != nil && cur.Equal(*next))
	}
	return same(a.LeaseStart, an.LeaseStart) && same(a.LeaseMaturity, an.LeaseMaturity)
}

// Get returns the locally known state of an asset
func (s *Service) Get(ctx context.Context, tag string) (*models.Asset, error) {
	return s.local.GetAsset(ctx, validation.NormalizeTag(tag))
}

// Inventory returns the assets of a view
func (s *Service) Inventory(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error) {
	switch filter {
	case models.AssetFilterAll, models.AssetFilterIn, models.AssetFilterOut, models.AssetFilterFlagged:
	case "":
		filter = models.AssetFilterAll
	default:
		return nil, fmt.Errorf("%w: unknown view %q", validation.ErrInvalidInput, filter)
	}
	return s.local.ListAssets(ctx, filter)
}

// Resolve finds an asset by tag or serial number. An asset never seen
// before is looked up and recorded locally with status OUT.
func (s *Service) Resolve(ctx context.Context, identifier string) (*models.Asset, error) {
	id := validation.NormalizeTag(identifier)
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier", validation.ErrInvalidInput)
	}

	asset, err := s.findLocal(ctx, id)
	if err == nil {
		return asset, nil
	}
	if !errors.Is(err, storage.ErrAssetNotFound) {
		return nil, err
	}

	md, err := s.lookup.Lookup(ctx, id)
	if errors.Is(err, lookup.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	if err != nil {
		return nil, fmt.Errorf("asset lookup failed: %w", err)
	}

	return s.RegisterAsset(ctx, *md)
}

// RegisterAsset records an asset entered manually or returned by the
// lookup. An already known tag returns the existing record.
func (s *Service) RegisterAsset(ctx context.Context, md models.AssetMetadata) (*models.Asset, error) {
	md.Tag = validation.NormalizeTag(md.Tag)
	md.Serial = strings.TrimSpace(md.Serial)
	if err := validation.ValidateTag(md.Tag); err != nil {
		return nil, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if existing, err := s.local.GetAsset(ctx, md.Tag); err == nil {
		return existing, nil
	}

	asset := models.NewAsset(md, s.clock.Now())
	err := s.local.CreateAsset(ctx, asset)
	if errors.Is(err, storage.ErrAssetExists) {
		return s.local.GetAsset(ctx, md.Tag)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("New asset registered", "tag", md.Tag, "serial", md.Serial)
	return asset, nil
}

func (s *Service) findLocal(ctx context.Context, id string) (*models.Asset, error) {
	if validation.IsAssetTag(id, s.tagPrefix) || validation.TagPattern.MatchString(id) {
		asset, err := s.local.GetAsset(ctx, id)
		if err == nil || !errors.Is(err, storage.ErrAssetNotFound) {
			return asset, err
		}
	}
	if validation.IsAssetTag(id, s.tagPrefix) {
		return nil, storage.ErrAssetNotFound
	}

	// Похоже на серийный номер
	assets, err := s.local.ListAssets(ctx, models.AssetFilterAll)
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		if a.Serial != "" && strings.EqualFold(a.Serial, id) {
			return a, nil
		}
	}
	return nil, storage.ErrAssetNotFound
}

func (s *Service) validateRequest(technician, site, notes string) (string, error) {
	if err := validation.ValidateTechnician(technician); err != nil {
		return "", err
	}
	site = validation.NormalizeSite(site)
	if site == "" {
		site = s.defaultSite
	}
	if err := validation.ValidateSite(site); err != nil {
		return "", err
	}
	if err := validation.ValidateNotes(notes); err != nil {
		return "", err
	}
	return site, nil
}
