// Package failover decides which central endpoint is authoritative.
package failover

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iudanet/benchkeeper/internal/health"
	"github.com/iudanet/benchkeeper/internal/models"
	centralstore "github.com/iudanet/benchkeeper/internal/server/storage"
)

const (
	// DefaultProbeInterval период оценки точек подключения
	DefaultProbeInterval = 10 * time.Second
	// DefaultFailureThreshold число подряд неудачных проверок до понижения
	DefaultFailureThreshold = 2
	// DefaultCloseGrace задержка закрытия хранилищ, убранных при перезагрузке
	DefaultCloseGrace = 30 * time.Second
)

// localOnly индекс, означающий отсутствие выбранной точки
const localOnly = -1

// Endpoint is a configured central store. The first endpoint passed to New
// is the primary, the rest are replicas in priority order.
type Endpoint struct {
	Store centralstore.Store
	Name  string
}

// Transition is emitted when the selected endpoint changes.
type Transition struct {
	From models.EndpointStatus
	To   models.EndpointStatus
}

// TransitionObserver receives role changes, e.g. metrics.
type TransitionObserver interface {
	ObserveTransition(from, to models.Role)
}

type endpoint struct {
	store   centralstore.Store
	checker *health.Checker
	name    string
}

// Selector evaluates endpoint health and picks the authoritative one:
// primary if reachable, else the first reachable replica, else LOCAL_ONLY.
// The selected endpoint is demoted only after threshold consecutive failures;
// promotion back to the primary is immediate.
type Selector struct {
	logger      *slog.Logger
	observer    TransitionObserver
	probeObs    health.Observer
	transitions chan Transition
	trigger     chan struct{}
	endpoints   []*endpoint
	interval    time.Duration
	probeTO     time.Duration
	closeGrace  time.Duration
	threshold   int
	current     int
	mu          sync.RWMutex
	evalMu      sync.Mutex
}

// Option configures Selector
type Option func(*Selector)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		s.logger = l
	}
}

// WithProbeInterval sets the evaluation period
func WithProbeInterval(d time.Duration) Option {
	return func(s *Selector) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithProbeTimeout bounds each probe
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Selector) {
		s.probeTO = d
	}
}

// WithFailureThreshold sets consecutive failures required for demotion
func WithFailureThreshold(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithCloseGrace sets how long replaced stores stay open after Reload
func WithCloseGrace(d time.Duration) Option {
	return func(s *Selector) {
		s.closeGrace = d
	}
}

// WithObserver reports transitions and probe outcomes
func WithObserver(o interface {
	TransitionObserver
	health.Observer
}) Option {
	return func(s *Selector) {
		s.observer = o
		s.probeObs = o
	}
}

// New creates a selector. It starts in LOCAL_ONLY until the first evaluation.
func New(endpoints []Endpoint, opts ...Option) *Selector {
	s := &Selector{
		logger:      slog.Default(),
		transitions: make(chan Transition, 1),
		trigger:     make(chan struct{}, 1),
		interval:    DefaultProbeInterval,
		probeTO:     health.DefaultTimeout,
		closeGrace:  DefaultCloseGrace,
		threshold:   DefaultFailureThreshold,
		current:     localOnly,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.endpoints = s.buildEndpoints(endpoints, nil)
	return s
}

// Current returns the status of the selected endpoint or LOCAL_ONLY.
func (s *Selector) Current() models.EndpointStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.statusLocked(s.current)
}

// Store returns the selected central store. ok is false in LOCAL_ONLY.
func (s *Selector) Store() (centralstore.Store, models.EndpointStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == localOnly {
		return nil, models.LocalOnlyStatus(), false
	}
	return s.endpoints[s.current].store, s.statusLocked(s.current), true
}

// Endpoints returns the latest probe status of every configured endpoint.
func (s *Selector) Endpoints() []models.EndpointStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.EndpointStatus, 0, len(s.endpoints))
	for i := range s.endpoints {
		out = append(out, s.statusLocked(i))
	}
	return out
}

// Transitions delivers role changes. Only the latest undelivered transition
// is kept, consumers read Current for the authoritative state.
func (s *Selector) Transitions() <-chan Transition {
	return s.transitions
}

// Trigger requests an evaluation without waiting for the next tick.
func (s *Selector) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run evaluates endpoints every probe interval and on Trigger until ctx is done.
func (s *Selector) Run(ctx context.Context) error {
	s.Evaluate(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Evaluate(ctx)
		case <-s.trigger:
			s.Evaluate(ctx)
		}
	}
}

// Evaluate probes every endpoint once and applies the selection policy.
func (s *Selector) Evaluate(ctx context.Context) models.EndpointStatus {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	s.mu.RLock()
	endpoints := s.endpoints
	s.mu.RUnlock()

	// Проверки выполняются параллельно, каждая ограничена таймаутом
	var g errgroup.Group
	for _, ep := range endpoints {
		g.Go(func() error {
			ep.checker.Probe(ctx)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	from := s.statusLocked(s.current)
	next := s.choose(endpoints)
	changed := next != s.current
	s.current = next
	to := s.statusLocked(next)
	s.mu.Unlock()

	if changed {
		s.emit(Transition{From: from, To: to})
	}
	return to
}

// choose применяет политику выбора; вызывается под s.mu
func (s *Selector) choose(endpoints []*endpoint) int {
	if len(endpoints) == 0 {
		return localOnly
	}

	// Возврат на primary без задержки
	if endpoints[0].checker.Status().Reachable {
		return 0
	}

	if s.current != localOnly && s.current < len(endpoints) {
		if endpoints[s.current].checker.Status().ConsecutiveFailures < s.threshold {
			return s.current
		}
	}

	for i := 1; i < len(endpoints); i++ {
		if endpoints[i].checker.Status().Reachable {
			return i
		}
	}
	return localOnly
}

// Reload swaps the endpoint set. Endpoints that keep their name and store keep
// their probe history. Removed stores are closed after the grace period so
// in-flight deliveries finish or fail as transient.
func (s *Selector) Reload(endpoints []Endpoint) {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	s.mu.Lock()
	old := s.endpoints
	from := s.statusLocked(s.current)
	currentName := ""
	if s.current != localOnly {
		currentName = old[s.current].name
	}

	s.endpoints = s.buildEndpoints(endpoints, old)
	s.current = localOnly
	for i, ep := range s.endpoints {
		if ep.name == currentName {
			s.current = i
		}
	}
	to := s.statusLocked(s.current)
	s.mu.Unlock()

	kept := make(map[centralstore.Store]bool, len(s.endpoints))
	for _, ep := range s.endpoints {
		kept[ep.store] = true
	}
	var retired []centralstore.Store
	for _, ep := range old {
		if !kept[ep.store] {
			retired = append(retired, ep.store)
		}
	}
	if len(retired) > 0 {
		time.AfterFunc(s.closeGrace, func() {
			for _, st := range retired {
				if err := st.Close(); err != nil {
					s.logger.Warn("Failed to close retired endpoint", "error", err)
				}
			}
		})
	}

	s.logger.Info("Endpoints reloaded", "count", len(endpoints), "selected", to.RoleLabel())
	if from.Name != to.Name || from.Role != to.Role || from.ReplicaIndex != to.ReplicaIndex {
		s.emit(Transition{From: from, To: to})
	}
	s.Trigger()
}

// Close closes every endpoint store.
func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, ep := range s.endpoints {
		if err := ep.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Selector) buildEndpoints(endpoints []Endpoint, old []*endpoint) []*endpoint {
	prev := make(map[string]*endpoint, len(old))
	for _, ep := range old {
		prev[ep.name] = ep
	}

	out := make([]*endpoint, 0, len(endpoints))
	for i, cfg := range endpoints {
		role := models.RolePrimary
		if i > 0 {
			role = models.RoleReplica
		}

		// Та же точка с тем же хранилищем сохраняет счетчик неудач
		if p, ok := prev[cfg.Name]; ok && p.store == cfg.Store && p.checker.Status().Role == role && p.checker.Status().ReplicaIndex == i {
			out = append(out, p)
			continue
		}

		opts := []health.Option{health.WithTimeout(s.probeTO)}
		if s.probeObs != nil {
			opts = append(opts, health.WithObserver(s.probeObs))
		}
		out = append(out, &endpoint{
			name:    cfg.Name,
			store:   cfg.Store,
			checker: health.NewChecker(cfg.Name, role, i, cfg.Store, opts...),
		})
	}
	return out
}

func (s *Selector) statusLocked(idx int) models.EndpointStatus {
	if idx == localOnly || idx >= len(s.endpoints) {
		return models.LocalOnlyStatus()
	}
	return s.endpoints[idx].checker.Status()
}

// emit отправляет переход, вытесняя непрочитанный
func (s *Selector) emit(tr Transition) {
	s.logger.Info("Endpoint selection changed", "from", tr.From.RoleLabel(), "to", tr.To.RoleLabel(), "endpoint", tr.To.Name)
	if s.observer != nil {
		s.observer.ObserveTransition(tr.From.Role, tr.To.Role)
	}

	select {
	case s.transitions <- tr:
		return
	default:
	}
	select {
	case <-s.transitions:
	default:
	}
	select {
	case s.transitions <- tr:
	default:
	}
}
