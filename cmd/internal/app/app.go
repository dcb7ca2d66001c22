// Package app wires the barterhub server runtime: config, logging, HTTP
// routes, the chat REST surface and the websocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"barterhub/cmd/internal/auth"
	"barterhub/cmd/internal/chat"
)

// App is the barterhub server runtime: it owns HTTP server wiring and the
// chat subsystem dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	store chat.Store
	bus   chat.Backplane

	// natsConn is owned here when the NATS backplane is selected.
	natsConn *nats.Conn

	hub     *chat.Hub
	ws      *chat.WSGateway
	handler *chat.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	tokens, err := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	store, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		store:     store,
		hub:       chat.NewHub(log),
	}

	if err := a.newBackplane(context.Background()); err != nil {
		a.closeResources()
		return nil, err
	}

	svc := chat.NewService(log, store, a.bus)

	a.ws = chat.NewWSGateway(log, a.hub, svc, tokens, chat.GatewayConfig{
		OriginRequired:   &cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		CookieName:       cfg.CookieName,
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadIdleTimeout:  cfg.WSReadIdleTimeout,
		SendQueueSize:    cfg.WSSendQueueSize,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	})
	a.handler = chat.NewHandler(log, svc, tokens, cfg.CookieName)

	return a, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.handler)

	handler := WithCORS(mux, a.cfg.CORSAllowedOrigins)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),

		// WriteTimeout stays unset. It would sever long-lived websocket
		// sessions; per-write deadlines are enforced inside the gateway.
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "backplane", a.cfg.Backplane)

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

	a.closeResources()

	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeResources() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("backplane.close.fail", "err", err)
		}
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// newBackplane selects the fan-out transport. "local" needs no broker and is
// the right answer for a single replica; redis/nats keep rooms coherent across
// replicas behind a load balancer.
func (a *App) newBackplane(ctx context.Context) error {
	switch a.cfg.Backplane {
	case "", BackplaneLocal:
		a.bus = chat.NewLocalBackplane(a.hub)
		return nil

	case BackplaneRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		bus, err := chat.NewRedisBackplane(ctx, a.log, client, a.hub)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("redis backplane: %w", err)
		}
		a.bus = bus
		return nil

	case BackplaneNATS:
		conn, err := nats.Connect(a.cfg.NATSURL, nats.Name("barterhub"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		bus, err := chat.NewNATSBackplane(a.log, conn, a.hub)
		if err != nil {
			conn.Close()
			return fmt.Errorf("nats backplane: %w", err)
		}
		a.natsConn = conn
		a.bus = bus
		return nil

	default:
		return fmt.Errorf("unknown backplane: %q", a.cfg.Backplane)
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

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return chat.NewInMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	store, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	return store, pool, true, nil
}
