// Package app wires the GeoPro server runtime: config, logging, the HTTP
// surface, the collaboration gateway, and the sync intake ledger.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bsvalues/BCBSGISPRO-sub005/cmd/internal/collab"
	"github.com/bsvalues/BCBSGISPRO-sub005/cmd/internal/intake"
)

// Store is a small app-level lifecycle abstraction so DB-backed resources
// can be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the server runtime: it owns HTTP wiring and the collaboration
// transport dependencies. No module-level singletons; tests construct
// isolated instances.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	prom    *prometheus.Registry
	gateway *collab.Gateway
	intake  *intake.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := collab.NewMetrics(prom)
	rooms := collab.NewRegistry(log, metrics)
	disp := collab.NewDispatcher(log, rooms, metrics)
	gateway := collab.NewGateway(log, rooms, disp, metrics)

	st, dbPool, dbEnabled, ledger, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	svc := intake.NewService(log, ledger, disp, cfg.UploadDir)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		prom:      prom,
		gateway:   gateway,
		intake:    intake.NewHandler(log, svc),
	}, nil
}

// Gateway exposes the collaboration gateway (used by smoke tooling).
func (a *App) Gateway() *collab.Gateway { return a.gateway }

// Run starts the HTTP server and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, a.intake, a.prom)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory
// dev ledger.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, intake.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_ledger")
		return nopStore{}, nil, false, intake.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_ledger")

	// Ownership model: app owns the pool lifecycle; PostgresStore.Close()
	// is a no-op.
	ledger, err := intake.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, ledger: ledger}, pool, true, ledger, nil
}

type dbStore struct {
	pool   *pgxpool.Pool
	ledger intake.Store
}

func (s dbStore) Close(_ context.Context) error {
	if s.ledger != nil {
		_ = s.ledger.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
