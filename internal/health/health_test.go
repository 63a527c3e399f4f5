// ABOUTME: Tests for the gRPC health reporter
// ABOUTME: Uses a fake store checker and a test clock

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeStore struct {
	mu       sync.Mutex
	err      error
	degraded []string
}

func (f *fakeStore) GetQueuedSalesCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 0, f.err
}

func (f *fakeStore) Degraded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *fakeStore) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func status(t *testing.T, r *Reporter, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := r.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestNewReporter_StartsNotServing(t *testing.T) {
	r := NewReporter(&fakeStore{}, nil)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, r, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, r, ServiceSync))
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name     string
		store    *fakeStore
		online   bool
		overall  healthpb.HealthCheckResponse_ServingStatus
		sync     healthpb.HealthCheckResponse_ServingStatus
		remoteUp healthpb.HealthCheckResponse_ServingStatus
	}{
		{
			name:     "healthy",
			store:    &fakeStore{},
			online:   true,
			overall:  healthpb.HealthCheckResponse_SERVING,
			sync:     healthpb.HealthCheckResponse_SERVING,
			remoteUp: healthpb.HealthCheckResponse_SERVING,
		},
		{
			name:     "offline backend does not affect overall",
			store:    &fakeStore{},
			online:   false,
			overall:  healthpb.HealthCheckResponse_SERVING,
			sync:     healthpb.HealthCheckResponse_SERVING,
			remoteUp: healthpb.HealthCheckResponse_NOT_SERVING,
		},
		{
			name:     "degraded schema",
			store:    &fakeStore{degraded: []string{"0003_sale_user_id"}},
			online:   true,
			overall:  healthpb.HealthCheckResponse_NOT_SERVING,
			sync:     healthpb.HealthCheckResponse_SERVING,
			remoteUp: healthpb.HealthCheckResponse_SERVING,
		},
		{
			name:     "store failing",
			store:    &fakeStore{err: errors.New("disk I/O error")},
			online:   true,
			overall:  healthpb.HealthCheckResponse_NOT_SERVING,
			sync:     healthpb.HealthCheckResponse_NOT_SERVING,
			remoteUp: healthpb.HealthCheckResponse_SERVING,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			online := tt.online
			r := NewReporter(tt.store, func() bool { return online })
			r.Refresh(context.Background())

			assert.Equal(t, tt.overall, status(t, r, ""))
			assert.Equal(t, tt.sync, status(t, r, ServiceSync))
			assert.Equal(t, tt.remoteUp, status(t, r, ServiceRemote))
		})
	}
}

func TestRefresh_WithoutOnlineFunc(t *testing.T) {
	r := NewReporter(&fakeStore{}, nil)
	r.Refresh(context.Background())

	_, err := r.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceRemote})
	if err == nil {
		t.Error("expected remote service to be unknown when no online func is given")
	}
}

func TestRun_RefreshesOnInterval(t *testing.T) {
	st := &fakeStore{}
	clk := testclock.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	r := NewReporter(st, nil, WithClock(clk), WithInterval(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return status(t, r, "") == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 10*time.Millisecond)

	st.fail(errors.New("database is locked"))
	require.NoError(t, clk.WaitAdvance(time.Minute, 5*time.Second, 1))

	require.Eventually(t, func() bool {
		return status(t, r, "") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown(t *testing.T) {
	r := NewReporter(&fakeStore{}, func() bool { return true })
	r.Refresh(context.Background())
	r.Shutdown()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, r, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, r, ServiceRemote))
}
