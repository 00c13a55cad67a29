package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/benchkeeper/internal/models"
)

type fakePinger struct {
	errs  []error
	calls int
	mu    sync.Mutex
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.calls < len(p.errs) {
		err = p.errs[p.calls]
	}
	p.calls++
	return err
}

type blockingPinger struct{}

func (blockingPinger) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type recordingObserver struct {
	reachable []bool
}

func (o *recordingObserver) ObserveProbe(endpoint string, latency time.Duration, reachable bool) {
	o.reachable = append(o.reachable, reachable)
}

func TestChecker_Probe(t *testing.T) {
	down := errors.New("connection refused")
	pinger := &fakePinger{errs: []error{nil, down, down, nil}}
	obs := &recordingObserver{}
	c := NewChecker("primary", models.RolePrimary, 0, pinger, WithObserver(obs))

	tests := []struct {
		name         string
		wantFailures int
		wantUp       bool
	}{
		{name: "reachable", wantUp: true, wantFailures: 0},
		{name: "first failure", wantUp: false, wantFailures: 1},
		{name: "second failure", wantUp: false, wantFailures: 2},
		{name: "recovered", wantUp: true, wantFailures: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := c.Probe(context.Background())
			assert.Equal(t, tt.wantUp, st.Reachable)
			assert.Equal(t, tt.wantFailures, st.ConsecutiveFailures)
			assert.Equal(t, "primary", st.Name)
			assert.False(t, st.LastProbeTime.IsZero())
			if tt.wantUp {
				assert.Empty(t, st.LastError)
			} else {
				assert.Contains(t, st.LastError, "connection refused")
			}
			assert.Equal(t, st, c.Status())
		})
	}

	assert.Equal(t, []bool{true, false, false, true}, obs.reachable)
}

func TestChecker_ProbeTimeout(t *testing.T) {
	c := NewChecker("replica", models.RoleReplica, 1, blockingPinger{}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	st := c.Probe(context.Background())

	require.False(t, st.Reachable)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, ErrProbeTimeout.Error())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, st.ReplicaIndex)
}
