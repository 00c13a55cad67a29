package sync

import (
	"context"
	"time"

	"github.com/iudanet/benchkeeper/internal/models"
)

// Status is the engine state shown to the technician
type Status struct {
	UpdatedAt  time.Time             `json:"updated_at"`
	Endpoint   models.EndpointStatus `json:"endpoint"`
	Role       string                `json:"role"`
	LastError  string                `json:"last_error,omitempty"`
	QueueDepth int                   `json:"queue_depth"`
	Conflicts  int                   `json:"conflicts"`
	Alert      bool                  `json:"alert"` // Alert очередь достигла порога
}

// Status returns the current engine state
func (e *Engine) Status(ctx context.Context) (Status, error) {
	depth, err := e.local.QueueDepth(ctx)
	if err != nil {
		return Status{}, err
	}
	conflicts, err := e.local.Conflicts(ctx)
	if err != nil {
		return Status{}, err
	}

	endpoint := e.selector.Current()

	e.mu.Lock()
	lastError := e.lastError
	e.mu.Unlock()

	return Status{
		UpdatedAt:  time.Now().UTC(),
		Endpoint:   endpoint,
		Role:       endpoint.RoleLabel(),
		LastError:  lastError,
		QueueDepth: depth,
		Conflicts:  len(conflicts),
		Alert:      e.cfg.AlertThreshold > 0 && depth >= e.cfg.AlertThreshold,
	}, nil
}

// Subscribe delivers the engine state after every change. Only the latest
// unread state is kept per subscriber. cancel must be called to unsubscribe.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

func (e *Engine) publishStatus(ctx context.Context) {
	st, err := e.Status(ctx)
	if err != nil {
		e.logger.Warn("Failed to compute status", "error", err)
		return
	}

	e.metrics.SetQueue(st.QueueDepth, st.Conflicts)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.subs {
		// Непрочитанное состояние заменяется новым
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
