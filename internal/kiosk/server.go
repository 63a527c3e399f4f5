// ABOUTME: Kiosk daemon assembly: store, backend client, sync engine, command server and gRPC health
// ABOUTME: Runs the HTTP and gRPC listeners and shuts everything down gracefully

package kiosk

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/juju/clock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/kioskd/internal/auth"
	"github.com/2389/kioskd/internal/config"
	"github.com/2389/kioskd/internal/fiscal"
	"github.com/2389/kioskd/internal/health"
	"github.com/2389/kioskd/internal/remote"
	"github.com/2389/kioskd/internal/store"
	"github.com/2389/kioskd/internal/syncer"
)

// Server is a running kiosk daemon
type Server struct {
	config     *config.Config
	store      store.Store
	remote     *remote.Client
	syncer     *syncer.Syncer
	service    *Service
	health     *health.Reporter
	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	wg sync.WaitGroup
}

// initStore opens the local database. KIOSKD_DB_PATH overrides the configured path.
func initStore(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("KIOSKD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath,
		store.WithDriver(cfg.Database.Driver),
		store.WithClock(clk),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	if degraded := s.Degraded(); len(degraded) > 0 {
		logger.Warn("store started with unapplied migrations", "migrations", degraded)
	}
	return s, nil
}

// newFiscalService picks the fiscal bridge client or the disabled stand-in
func newFiscalService(cfg *config.Config, logger *slog.Logger) fiscal.Service {
	if !cfg.Fiscal.Enabled {
		logger.Info("fiscal printing disabled")
		return fiscal.Disabled{}
	}
	return fiscal.NewHTTPService(cfg.Fiscal.BaseURL, cfg.Fiscal.Timeout, logger)
}

func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// NewServer builds every component from cfg
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	clk := clock.WallClock

	st, err := initStore(cfg, clk, logger)
	if err != nil {
		return nil, err
	}

	rc := remote.New(cfg.Remote.BaseURL,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithAPIToken(cfg.Remote.APIToken),
		remote.WithDeviceID(cfg.Device.DeviceID),
		remote.WithClock(clk),
		remote.WithLogger(logger),
	)

	sy := syncer.New(st, rc, syncer.Options{
		Interval:       cfg.Sync.Interval,
		PassTimeout:    cfg.Sync.PassTimeout,
		ProbeInterval:  cfg.Sync.ProbeInterval,
		BackoffInitial: cfg.Sync.BackoffInitial,
		BackoffMax:     cfg.Sync.BackoffMax,
		MaxRetries:     cfg.Sync.MaxRetries,
		Clock:          clk,
		Logger:         logger,
	})

	sessions, err := auth.NewJWTVerifier([]byte(cfg.Device.Secret), clk)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating session verifier: %w", err)
	}
	if err := sessions.UseRevocationStore(ctx, st); err != nil {
		_ = st.Close()
		return nil, err
	}

	svc, err := NewService(ctx, Deps{
		Config:   cfg,
		Store:    st,
		Backend:  rc,
		Sync:     sy,
		Sessions: sessions,
		Fiscal:   newFiscalService(cfg, logger),
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reporter := health.NewReporter(st, sy.Online, health.WithClock(clk), health.WithLogger(logger))
	grpcServer := newGRPCServer()
	reporter.Register(grpcServer)

	return &Server{
		config:     cfg,
		store:      st,
		remote:     rc,
		syncer:     sy,
		service:    svc,
		health:     reporter,
		grpcServer: grpcServer,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "server"),
	}, nil
}

// Service returns the command service
func (s *Server) Service() *Service {
	return s.service
}

// setupListeners opens the HTTP listener and, when configured, the gRPC one
func (s *Server) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting kioskd",
		"http_addr", s.config.Server.HTTPAddr,
		"grpc_addr", s.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if s.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// startServers starts the listeners in goroutines, returning the error channel
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("command server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground runs the sync loop and health refresher until ctx ends
func (s *Server) startBackground(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		_ = s.syncer.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		_ = s.health.Run(ctx)
	}()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and background loops and blocks until ctx is
// canceled or a server fails. Returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners()
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	s.startBackground(bgCtx)

	errCh := s.startServers(grpcLn, httpLn)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	stopBackground()
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh timeout; the run context is already done.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, waits for in-flight sync passes and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down kioskd")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.health.Shutdown()
	s.shutdownGRPCServer(ctx)

	s.wg.Wait()
	s.syncer.Close()
	s.service.Close()

	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
