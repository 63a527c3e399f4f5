// ABOUTME: gRPC health reporting for the kiosk daemon
// ABOUTME: Publishes store and backend reachability to the device supervisor

package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported alongside the overall ("") status
const (
	ServiceSync   = "kioskd.sync"
	ServiceRemote = "kioskd.remote"
)

// DefaultInterval is how often Run refreshes the statuses
const DefaultInterval = 15 * time.Second

// StoreChecker is the part of the local store the reporter looks at
type StoreChecker interface {
	GetQueuedSalesCount(ctx context.Context) (int, error)
	Degraded() []string
}

// Reporter keeps a grpc health server up to date
type Reporter struct {
	srv      *health.Server
	store    StoreChecker
	online   func() bool
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Reporter
type Option func(*Reporter)

// WithClock sets the clock driving Run
func WithClock(c clock.Clock) Option {
	return func(r *Reporter) { r.clock = c }
}

// WithInterval sets the refresh interval
func WithInterval(d time.Duration) Option {
	return func(r *Reporter) { r.interval = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// NewReporter creates a reporter. online may be nil, in which case the
// remote service is not reported.
func NewReporter(st StoreChecker, online func() bool, opts ...Option) *Reporter {
	r := &Reporter{
		srv:      health.NewServer(),
		store:    st,
		online:   online,
		clock:    clock.WallClock,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "health")
	r.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	r.srv.SetServingStatus(ServiceSync, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Register adds the health service to a gRPC server
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.srv)
}

// Server exposes the underlying health server
func (r *Reporter) Server() *health.Server {
	return r.srv
}

// Refresh recomputes every status once
func (r *Reporter) Refresh(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	syncStatus := healthpb.HealthCheckResponse_SERVING

	if _, err := r.store.GetQueuedSalesCount(ctx); err != nil {
		r.logger.Warn("store check failed", "error", err)
		overall = healthpb.HealthCheckResponse_NOT_SERVING
		syncStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if degraded := r.store.Degraded(); len(degraded) > 0 {
		r.logger.Warn("store schema degraded", "migrations", degraded)
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}

	r.srv.SetServingStatus("", overall)
	r.srv.SetServingStatus(ServiceSync, syncStatus)

	if r.online != nil {
		remote := healthpb.HealthCheckResponse_NOT_SERVING
		if r.online() {
			remote = healthpb.HealthCheckResponse_SERVING
		}
		r.srv.SetServingStatus(ServiceRemote, remote)
	}
}

// Run refreshes the statuses every interval until ctx is cancelled
func (r *Reporter) Run(ctx context.Context) error {
	r.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.interval):
			r.Refresh(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING
func (r *Reporter) Shutdown() {
	r.srv.Shutdown()
}
