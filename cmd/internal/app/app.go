// Package app wires the collaboration server runtime: config, logging,
// database and redis clients, HTTP routes, and the websocket gateway.
//
// It is intentionally small and deterministic to keep behavior predictable.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/Force67/texler/cmd/internal/auth"
	"github.com/Force67/texler/cmd/internal/collab"
	"github.com/Force67/texler/cmd/internal/invite"
	"github.com/Force67/texler/cmd/security/password"
)

// App is the server runtime: it owns HTTP server wiring, the websocket
// gateway, and the liveness monitor.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	rdb       *redis.Client

	store       collab.SessionStore
	invitations *invite.Service

	promReg  *prometheus.Registry
	metrics  *collab.Metrics
	registry *collab.Registry
	hub      *collab.Hub
	gateway  *collab.Gateway
	liveness *collab.LivenessMonitor

	sessions *SessionHandler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	if err := a.initStores(context.Background()); err != nil {
		return nil, err
	}

	verifier, err := a.newVerifier()
	if err != nil {
		a.closeResources()
		return nil, err
	}

	passwords, err := password.FromEnv()
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = collab.NewMetrics(a.promReg)

	a.hub = collab.NewHub(log, a.metrics)
	a.registry = collab.NewRegistry(log, a.metrics)

	membership := collab.NewMembership(log, a.store, a.hub, passwords)
	operations := collab.NewOperationRelay(log, a.store, a.hub, membership, a.metrics)
	chat := collab.NewChatRelay(log, a.store, a.hub, membership, a.metrics)

	// Ghost connections and explicit disconnects leave through the same
	// path: Unregister runs this hook while the seat is still held.
	a.registry.SetCleanup(func(ctx context.Context, conn *collab.Connection) {
		if err := membership.Leave(ctx, conn, time.Now().UTC()); err != nil {
			log.Error("cleanup.leave.fail", "connection_id", conn.ID, "err", err)
		}
	})

	a.gateway = collab.NewGateway(log, collab.GatewayDeps{
		Metrics:    a.metrics,
		Registry:   a.registry,
		Hub:        a.hub,
		Verifier:   verifier,
		Membership: membership,
		Operations: operations,
		Chat:       chat,
	})

	a.liveness = collab.NewLivenessMonitor(log, a.registry, a.metrics,
		EnvDuration("TEXLER_LIVENESS_SWEEP_INTERVAL", 30*time.Second),
		EnvDuration("TEXLER_LIVENESS_TIMEOUT", 90*time.Second),
	)

	a.sessions = NewSessionHandler(log, a.store, a.invitations, chat, verifier, passwords)

	return a, nil
}

// Run starts the HTTP server and the liveness monitor, blocking until
// context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.promReg, a.gateway, a.sessions)

	var handler http.Handler = mux
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.liveness.Run(runCtx)

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"redis_enabled", a.rdb != nil,
	)

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closeResources()
	a.log.Info("server.stopped")
	return nil
}

// initStores decides between Postgres-backed persistence and the in-memory
// dev store, and opens redis when configured.
func (a *App) initStores(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = collab.NewInMemoryStore()

		invStore := invite.NewInMemoryStore()
		svc, err := invite.NewService(invStore)
		if err != nil {
			return err
		}
		a.invitations = svc
	} else {
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return err
		}
		a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)

		// Ownership model:
		// - app owns pool lifecycle
		// - store Close() methods are no-ops
		store, err := collab.NewPostgresStore(pool, collab.WithSchema(a.cfg.DBSchema))
		if err != nil {
			pool.Close()
			return err
		}
		invStore, err := invite.NewPostgresStore(pool, invite.WithSchema(a.cfg.DBSchema))
		if err != nil {
			pool.Close()
			return err
		}

		if a.cfg.DBEnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				pool.Close()
				return fmt.Errorf("ensure collab schema: %w", err)
			}
			if err := invStore.EnsureSchema(ctx); err != nil {
				pool.Close()
				return fmt.Errorf("ensure invitations schema: %w", err)
			}
		}

		svc, err := invite.NewService(invStore)
		if err != nil {
			pool.Close()
			return err
		}

		a.dbPool = pool
		a.dbEnabled = true
		a.store = store
		a.invitations = svc
	}

	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			a.closeResources()
			return fmt.Errorf("parse TEXLER_REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opts)

		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		defer pingCancel()
		if err := a.rdb.Ping(pingCtx).Err(); err != nil {
			a.closeResources()
			return fmt.Errorf("redis ping: %w", err)
		}
		a.log.Info("redis.enabled")
	}

	return nil
}

// newVerifier builds the bearer-credential verifier shared by the websocket
// gateway and the REST surface.
func (a *App) newVerifier() (auth.Verifier, error) {
	if a.cfg.JWTSecret == "" {
		return nil, errors.New("TEXLER_JWT_SECRET is required")
	}

	var revoker auth.Revoker
	if a.rdb != nil {
		revoker = auth.NewRedisRevoker(a.rdb)
	} else {
		revoker = auth.NewMemoryRevoker()
	}

	return auth.NewJWTVerifier([]byte(a.cfg.JWTSecret), a.cfg.JWTIssuer, auth.WithRevoker(revoker))
}

func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
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

// runtimeBaseURL turns a bind address into a browsable URL. Bind-all
// addresses map to loopback since that is what a local operator can open.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL rewrites an http(s) URL to its websocket scheme.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
