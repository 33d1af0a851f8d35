// Package app wires the tether server runtime: config, logging, persistence,
// the distributed status store, the sync hub and its WebSocket gateway.
//
// It is intentionally small and deterministic so startup order (and therefore
// failure order) is easy to reason about.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tether/cmd/internal/hub"
	"tether/cmd/internal/metrics"
	"tether/cmd/internal/presence"
	"tether/cmd/internal/rooms"
	"tether/cmd/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// App is the tether server runtime: it owns every long-lived resource and the
// HTTP server wiring around the sync hub.
type App struct {
	cfg Config
	log Logger

	db        store.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	rdb          *redis.Client
	redisEnabled bool
	memStatus    *presence.MemoryStatusStore

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	hub     *hub.Hub
	rooms   *rooms.Manager
	status  presence.StatusStore
	gateway *hub.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	ctx := context.Background()

	a := &App{cfg: cfg, log: log}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initStatus(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	if err := a.initHub(); err != nil {
		a.closeResources()
		return nil, err
	}

	return a, nil
}

// initStore decides between Postgres-backed persistence and the in-memory dev store.
//
// Ownership model:
// - app owns the pool lifecycle
// - PostgresStore.Close() is a no-op
func (a *App) initStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.db = store.NewMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}

	st, err := store.NewPostgresStore(pool, store.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.dbPool = pool
	a.dbEnabled = true
	a.db = st
	return nil
}

// initStatus decides between the Redis-backed distributed status store and a
// single-instance in-memory fallback. Either way the hub sees the same
// retry-once wrapper.
func (a *App) initStatus(ctx context.Context) error {
	if a.cfg.RedisAddr == "" {
		a.log.Info("presence.status.inmemory", "ttl", a.cfg.StatusTTL)
		a.memStatus = presence.NewMemoryStatusStore(a.cfg.StatusTTL)
		a.status = presence.NewRetryingStatusStore(a.log, a.memStatus)
		return nil
	}

	rdb, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return err
	}

	rs, err := presence.NewRedisStatusStore(rdb, a.cfg.InstanceID,
		presence.WithStatusTTL(a.cfg.StatusTTL),
		presence.WithStatusNamespace(a.cfg.RedisNamespace),
	)
	if err != nil {
		_ = rdb.Close()
		return err
	}

	a.log.Info("presence.status.redis", "addr", a.cfg.RedisAddr, "namespace", a.cfg.RedisNamespace, "ttl", a.cfg.StatusTTL)
	a.rdb = rdb
	a.redisEnabled = true
	a.status = presence.NewRetryingStatusStore(a.log, rs)
	return nil
}

func (a *App) initHub() error {
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	dir := presence.NewDirectory()
	clients := hub.NewRegistry()
	sender := hub.NewSender(a.log, dir, clients, a.metrics)
	groups := hub.NewGroupRegistry(clients, sender)
	pairs := presence.NewPairCache(a.log, a.db, dir)

	roomMgr := rooms.NewManager(a.log, a.db, groups,
		rooms.WithParticipantCap(a.cfg.RoomParticipantCap),
		rooms.WithHostAliveFunc(func(uid string) bool {
			_, ok := dir.Lookup(uid)
			return ok
		}),
	)
	a.rooms = roomMgr

	a.hub = hub.New(hub.Deps{
		Log:      a.log,
		DB:       a.db,
		Dir:      dir,
		Status:   a.status,
		Pairs:    pairs,
		Rooms:    roomMgr,
		Registry: clients,
		Groups:   groups,
		Sender:   sender,
		Metrics:  a.metrics,
	})

	verifier, err := hub.NewTokenVerifier([]byte(a.cfg.TokenSecret), a.cfg.TokenIssuer)
	if err != nil {
		return err
	}

	a.gateway = hub.NewGateway(a.log, a.hub, verifier)
	return nil
}

// Run starts the HTTP server and background loops, blocking until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go a.refreshGauges(bgCtx)
	if a.memStatus != nil {
		go a.sweepMemoryStatus(bgCtx)
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "redis_enabled", a.redisEnabled, "instance", a.cfg.InstanceID)

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

	a.rooms.Shutdown()
	a.closeResources()

	a.log.Info("server.stopped")
	return nil
}

// refreshGauges periodically samples the distributed online count and the
// local active-room count into the Prometheus gauges.
func (a *App) refreshGauges(ctx context.Context) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sampleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if n, err := a.status.CountOnline(sampleCtx); err == nil {
				a.metrics.OnlineUsers.Set(float64(n))
			}
			cancel()
			a.metrics.RoomsActive.Set(float64(a.rooms.ActiveRoomCount()))
		}
	}
}

// sweepMemoryStatus drops expired entries from the in-memory status store so
// a crashed client's entry does not linger until its next read.
func (a *App) sweepMemoryStatus(ctx context.Context) {
	t := time.NewTicker(a.cfg.StatusTTL)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.memStatus.Sweep()
		}
	}
}

func (a *App) closeResources() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
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
