package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pongarena/broker/internal/config"
	"pongarena/broker/internal/gateway"
	"pongarena/broker/internal/httpapi"
	"pongarena/broker/internal/hub"
	"pongarena/broker/internal/identity"
	"pongarena/broker/internal/kv"
	"pongarena/broker/internal/ledger"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/replay"
	"pongarena/broker/internal/results"
	"pongarena/broker/internal/rooms"
)

const (
	// shutdownTimeout bounds the graceful drain after a termination signal.
	shutdownTimeout = 15 * time.Second
	// staleRoomGrace is how long an empty, unstarted room survives the sweeper.
	staleRoomGrace = 10 * time.Minute
	// roomCreateWindow and roomCreateLimit rate-limit room creation per player.
	roomCreateWindow = time.Minute
	roomCreateLimit  = 5
)

func main() {
	//1.- A missing .env file is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled or a listener fails.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	shared, closeShared, err := openSharedStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeShared()

	store, err := openResultStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	dispatcher, closeRecorder, err := newLedgerDispatcher(cfg.Ledger, store, logger)
	if err != nil {
		return err
	}
	defer closeRecorder()

	manager := rooms.NewManager(shared, rooms.WithTTL(cfg.Store.RoomTTL), rooms.WithLogger(logger))
	lobby := rooms.NewLobby(manager)
	broadcast := hub.New(logger)
	persister := results.NewPersister(store, shared, manager,
		results.WithLedger(dispatcher),
		results.WithBroadcast(broadcast),
		results.WithPersisterLogger(logger),
	)

	engineOpts := []match.Option{
		match.WithSettings(match.SettingsFromConfig(cfg.Game, cfg.Store.MatchStatusTTL)),
		match.WithRooms(manager),
		match.WithResultSink(persister),
		match.WithLogger(logger),
	}
	var replays *replay.Store
	if cfg.Replay.Dir != "" {
		replays, err = replay.NewStore(cfg.Replay.Dir,
			replay.RetentionPolicy{MaxMatches: cfg.Replay.MaxMatches, MaxAge: cfg.Replay.MaxAge},
			replay.WithLogger(logger),
			replay.WithParams(replayParams(cfg.Game)),
		)
		if err != nil {
			return fmt.Errorf("replay store: %w", err)
		}
		engineOpts = append(engineOpts, match.WithRecorder(replays.Open))
		logger.Info("replay recording enabled", logging.String("directory", cfg.Replay.Dir))
	}
	engine := match.NewEngine(shared, broadcast, engineOpts...)
	defer engine.Close()

	resolver, err := identity.NewJWTResolver(cfg.Identity.JWTSecret, cfg.Identity.Leeway, identity.WithDirectory(store))
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	gw := gateway.NewServer(resolver, lobby, manager, engine, broadcast,
		gateway.WithAllowedOrigins(cfg.AllowedOrigins),
		gateway.WithPingInterval(cfg.PingInterval),
		gateway.WithMaxPayload(cfg.MaxPayloadBytes),
		gateway.WithLogger(logger),
	)
	limiter := httpapi.NewKeyedLimiter(roomCreateWindow, roomCreateLimit, nil)
	checks := map[string]httpapi.Pinger{"kv": shared, "results": store}
	apiOpts := httpapi.Options{
		Logger:      logger,
		Checks:      checks,
		Lobby:       lobby,
		Starter:     gw,
		History:     store,
		Resolver:    resolver,
		Limiter:     limiter,
		EngineStats: engine.Stats,
		Traffic:     gw.Traffic().Snapshot,
	}
	if replays != nil {
		apiOpts.ReplayStats = replays.Stats
	}
	api := httpapi.NewHandlerSet(apiOpts)

	mux := http.NewServeMux()
	gw.Register(mux)
	api.Register(mux)

	//2.- Background jobs: room sweeping plus replay retention and health probing.
	sweeper := rooms.NewSweeper(lobby, cfg.SweepInterval, staleRoomGrace)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start room sweeper: %w", err)
	}
	defer sweeper.Stop()

	healthServer := health.NewServer()
	jobs, err := startMaintenance(maintenanceDeps{
		interval: cfg.SweepInterval,
		replays:  replays,
		limiter:  limiter,
		checks:   checks,
		health:   healthServer,
		logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer jobs.Shutdown()

	errs := make(chan error, 2)
	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		opts, err := configureGRPCSecurity(cfg, logger)
		if err != nil {
			return err
		}
		grpcServer = grpc.NewServer(opts...)
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		go func() {
			logger.Info("admin gRPC listening", logging.String("address", cfg.GRPCAddr))
			if err := grpcServer.Serve(listener); err != nil {
				errs <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	tlsEnabled := cfg.TLSCertPath != ""
	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		httpURL, wsURL := advertisedURLs(cfg.Address, tlsEnabled)
		logger.Info("game server listening", logging.String("url", httpURL), logging.String("websocket", wsURL))
		var err error
		if tlsEnabled {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errs:
	}

	//3.- Stop accepting work, then let deferred closers flush matches and stores.
	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logging.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	drainMatches(shutdownCtx, engine, dispatcher, logger)
	return runErr
}

// drainMatches stops live matches before the ledger dispatcher, so a match
// that ends while shutting down still hands its record to the ledger.
func drainMatches(ctx context.Context, engine interface{ Close() }, ledger interface{ Close(context.Context) error }, logger *logging.Logger) {
	engine.Close()
	if err := ledger.Close(ctx); err != nil {
		logger.Warn("ledger drain", logging.Error(err))
	}
}

// openSharedStore dials Redis when configured and falls back to the in-process store.
func openSharedStore(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (kv.Store, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn("PONG_REDIS_ADDR not set; rooms live in process memory")
		return kv.NewMemoryStore(), func() {}, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := kv.DialRedis(dialCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("shared store connected", logging.String("redis", cfg.RedisAddr))
	return store, func() { _ = store.Close() }, nil
}

// openResultStore prefers Postgres and falls back to the local SQLite file.
func openResultStore(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (results.Store, error) {
	var (
		store results.Store
		err   error
	)
	if cfg.DatabaseURL != "" {
		store, err = results.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("result store: postgres")
	} else {
		store, err = results.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("result store: sqlite", logging.String("path", cfg.SQLitePath))
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

// newLedgerDispatcher builds the fire-and-forget ledger writer for the configured mode.
// Returned references are stored on the game log.
func newLedgerDispatcher(cfg config.LedgerConfig, store results.Store, logger *logging.Logger) (*ledger.Dispatcher, func(), error) {
	var (
		recorder ledger.Recorder
		closer   = func() {}
	)
	switch cfg.Mode {
	case config.LedgerModeExec:
		exec, err := ledger.NewExecRecorder(cfg.Command)
		if err != nil {
			return nil, nil, err
		}
		recorder = exec
	case config.LedgerModeGRPC:
		client, err := ledger.DialGRPC(cfg.GRPCAddr, cfg.Secret)
		if err != nil {
			return nil, nil, err
		}
		recorder = client
		closer = func() { _ = client.Close() }
	}
	dispatcher := ledger.NewDispatcher(recorder,
		ledger.WithTimeout(cfg.Timeout),
		ledger.WithLogger(logger.With(logging.Component("ledger"))),
		ledger.WithCompletion(store.SetLedgerAddress),
	)
	logger.Info("ledger configured", logging.String("mode", string(cfg.Mode)))
	return dispatcher, closer, nil
}

// replayParams records the tuning a replay was captured with.
func replayParams(game config.GameConfig) replay.Parameters {
	return replay.Parameters{
		"win_score":      float64(game.WinScore),
		"tunnel_width":   game.TunnelWidth,
		"tunnel_height":  game.TunnelHeight,
		"tunnel_length":  game.TunnelLength,
		"tick_rate":      game.TickRate,
		"ball_speed":     game.BallSpeed,
		"ball_max_speed": game.BallMaxSpeed,
		"ball_speedup":   game.BallSpeedUp,
	}
}
