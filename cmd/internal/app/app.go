// Package app wires the Ripple server runtime: config, logging, HTTP routes,
// the websocket gateway, and the ingestion pipeline.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ripple/cmd/internal/history"
	"ripple/cmd/internal/ingest"
	"ripple/cmd/internal/realtime"
	"ripple/cmd/internal/snowflake"
	"ripple/cmd/internal/store"
)

// App is the Ripple server runtime: it owns the HTTP server, the realtime
// gateway, and the buffer/flusher lifecycle.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	msgStore  store.MessageStore

	buf     *ingest.Buffer
	flusher *ingest.Flusher

	ws   *realtime.WSGateway
	hist *history.Service
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	dbPool, dbEnabled, msgStore, err := newMessageStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	gen, err := snowflake.New(cfg.OriginID)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	buf := ingest.NewBuffer(cfg.BufferCap)
	reg := realtime.NewRegistry(log)

	flusher := ingest.NewFlusher(log, buf, msgStore, reg, ingest.FlushConfig{
		BatchSize:     cfg.FlushBatch,
		MinBatch:      cfg.FlushMinBatch,
		MaxBatch:      cfg.FlushMaxBatch,
		Interval:      cfg.FlushInterval,
		PressureAge:   cfg.PressureAge,
		LowLatency:    cfg.LowLatency,
		HighLatency:   cfg.HighLatency,
		MaxConcurrent: int64(cfg.FlushWorkers),
	})

	svc := ingest.NewService(log, gen, buf, flusher, msgStore, reg)
	ws := realtime.NewWSGateway(log, reg, svc)
	hist := history.NewService(log, msgStore, buf)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		msgStore:  msgStore,
		buf:       buf,
		flusher:   flusher,
		ws:        ws,
		hist:      hist,
	}, nil
}

// Run starts the flush loop and HTTP server, and blocks until context
// cancellation or fatal server error. On shutdown it drains the buffer before
// releasing the store so accepted messages are not lost.
func (a *App) Run(ctx context.Context) error {
	flushCtx, stopFlush := context.WithCancel(context.Background())
	defer stopFlush()
	go a.flusher.Run(flushCtx)

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.hist)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "origin_id", a.cfg.OriginID)

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
	}

	// Stop timed flushing, then force a final drain of everything unflushed.
	stopFlush()
	a.flusher.Drain(shutdownCtx)
	if n := a.buf.Unflushed(ingest.DefaultShard); n > 0 {
		a.log.Warn("buffer.drain.incomplete", "unflushed", n)
	}

	if err := a.msgStore.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
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

// newMessageStore decides between Postgres-backed persistence and the
// in-memory dev store.
//
// Ownership model:
// - app owns the pool lifecycle
// - PostgresStore.Close() is a no-op
func newMessageStore(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, bool, store.MessageStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nil, false, store.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, false, nil, err
	}

	msgStore, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return pool, true, msgStore, nil
}
