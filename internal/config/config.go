package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the game server listens on.
	DefaultAddr = ":8000"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "pongarena.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultRoomTTL bounds how long a room document lives in the shared store.
	DefaultRoomTTL = time.Hour
	// DefaultMatchStatusTTL bounds how long the "match terminated" flag is retained.
	DefaultMatchStatusTTL = time.Hour
	// DefaultSQLitePath is used when no Postgres DSN is configured.
	DefaultSQLitePath = "pongarena.db"

	DefaultWinScore      = 5
	DefaultTunnelWidth   = 1.5
	DefaultTunnelHeight  = 1.0
	DefaultTunnelLength  = 10.0
	DefaultTickRate      = 60.0
	DefaultSubsteps      = 3
	DefaultBallSpeed     = 4.0
	DefaultBallMaxSpeed  = 12.0
	DefaultBallSpeedUp   = 1.1
	DefaultStartDelay    = time.Second
	DefaultCountdownStep = time.Second
	DefaultScorePause    = 1500 * time.Millisecond
	// DefaultForfeitTimeout is the grace window after a mid-match disconnect.
	DefaultForfeitTimeout = 10 * time.Second
	// DefaultEndGrace keeps an ended session around so the final state reaches clients.
	DefaultEndGrace = 3 * time.Second
	// DefaultBackupInterval controls how often running matches are snapshotted.
	DefaultBackupInterval = 30 * time.Second
	// DefaultSweepInterval controls how often abandoned rooms are collected.
	DefaultSweepInterval = time.Minute

	// DefaultLedgerTimeout bounds a single ledger write.
	DefaultLedgerTimeout = 2 * time.Minute
	// DefaultJWTLeeway tolerates clock skew on identity token expiry.
	DefaultJWTLeeway = 5 * time.Second

	// DefaultReplayMaxMatches caps retained replay bundles.
	DefaultReplayMaxMatches = 200
	// DefaultReplayMaxAge expires replay bundles.
	DefaultReplayMaxAge = 7 * 24 * time.Hour
)

// LedgerMode selects how match summaries reach the distributed ledger.
type LedgerMode string

const (
	LedgerModeNone LedgerMode = "none"
	LedgerModeExec LedgerMode = "exec"
	LedgerModeGRPC LedgerMode = "grpc"
)

// Config captures all runtime tunables for the game server.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	TLSCertPath     string
	TLSKeyPath      string
	Logging         LoggingConfig
	Store           StoreConfig
	Identity        IdentityConfig
	Game            GameConfig
	Ledger          LedgerConfig
	GRPCAddr        string
	GRPCSecret      string
	GRPCClientCA    string
	Replay          ReplayConfig
	SweepInterval   time.Duration
}

// ReplayConfig controls optional match recording. An empty Dir disables it.
type ReplayConfig struct {
	Dir        string
	MaxMatches int
	MaxAge     time.Duration
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// StoreConfig locates the shared KV store and the result database.
type StoreConfig struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	DatabaseURL    string
	SQLitePath     string
	RoomTTL        time.Duration
	MatchStatusTTL time.Duration
}

// IdentityConfig configures identity token validation.
type IdentityConfig struct {
	JWTSecret string
	Leeway    time.Duration
}

// GameConfig holds the simulation constants and match timings.
type GameConfig struct {
	WinScore       int
	TunnelWidth    float64
	TunnelHeight   float64
	TunnelLength   float64
	TickRate       float64
	Substeps       int
	BallSpeed      float64
	BallMaxSpeed   float64
	BallSpeedUp    float64
	StartDelay     time.Duration
	CountdownStep  time.Duration
	ScorePause     time.Duration
	ForfeitTimeout time.Duration
	EndGrace       time.Duration
	BackupInterval time.Duration
}

// LedgerConfig configures the fire-and-forget ledger writer.
type LedgerConfig struct {
	Mode     LedgerMode
	Command  string
	GRPCAddr string
	Secret   string
	Timeout  time.Duration
}

// DefaultGame returns the tuned baseline for match simulation.
func DefaultGame() GameConfig {
	return GameConfig{
		WinScore:       DefaultWinScore,
		TunnelWidth:    DefaultTunnelWidth,
		TunnelHeight:   DefaultTunnelHeight,
		TunnelLength:   DefaultTunnelLength,
		TickRate:       DefaultTickRate,
		Substeps:       DefaultSubsteps,
		BallSpeed:      DefaultBallSpeed,
		BallMaxSpeed:   DefaultBallMaxSpeed,
		BallSpeedUp:    DefaultBallSpeedUp,
		StartDelay:     DefaultStartDelay,
		CountdownStep:  DefaultCountdownStep,
		ScorePause:     DefaultScorePause,
		ForfeitTimeout: DefaultForfeitTimeout,
		EndGrace:       DefaultEndGrace,
		BackupInterval: DefaultBackupInterval,
	}
}

// Load reads the server configuration from environment variables, applying defaults
// and returning one descriptive error listing every invalid override.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("PONG_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("PONG_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		TLSCertPath:     strings.TrimSpace(os.Getenv("PONG_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("PONG_TLS_KEY")),
		Logging: LoggingConfig{
			Level:      getString("PONG_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("PONG_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		Store: StoreConfig{
			RedisAddr:      strings.TrimSpace(os.Getenv("PONG_REDIS_ADDR")),
			RedisPassword:  os.Getenv("PONG_REDIS_PASSWORD"),
			DatabaseURL:    strings.TrimSpace(os.Getenv("PONG_DATABASE_URL")),
			SQLitePath:     getString("PONG_SQLITE_PATH", DefaultSQLitePath),
			RoomTTL:        DefaultRoomTTL,
			MatchStatusTTL: DefaultMatchStatusTTL,
		},
		Identity: IdentityConfig{
			JWTSecret: strings.TrimSpace(os.Getenv("PONG_JWT_SECRET")),
			Leeway:    DefaultJWTLeeway,
		},
		Game: DefaultGame(),
		Ledger: LedgerConfig{
			Mode:     LedgerMode(strings.ToLower(getString("PONG_LEDGER_MODE", string(LedgerModeNone)))),
			Command:  strings.TrimSpace(os.Getenv("PONG_LEDGER_COMMAND")),
			GRPCAddr: strings.TrimSpace(os.Getenv("PONG_LEDGER_GRPC_ADDR")),
			Secret:   strings.TrimSpace(os.Getenv("PONG_LEDGER_SECRET")),
			Timeout:  DefaultLedgerTimeout,
		},
		GRPCAddr:      strings.TrimSpace(os.Getenv("PONG_GRPC_ADDR")),
		GRPCSecret:    strings.TrimSpace(os.Getenv("PONG_GRPC_SECRET")),
		GRPCClientCA:  strings.TrimSpace(os.Getenv("PONG_GRPC_CLIENT_CA")),
		Replay: ReplayConfig{
			Dir:        strings.TrimSpace(os.Getenv("PONG_REPLAY_DIR")),
			MaxMatches: DefaultReplayMaxMatches,
			MaxAge:     DefaultReplayMaxAge,
		},
		SweepInterval: DefaultSweepInterval,
	}

	p := &problems{}

	p.int64Var("PONG_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes, 1)
	p.durationVar("PONG_PING_INTERVAL", &cfg.PingInterval)

	p.intVar("PONG_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, 1)
	p.intVar("PONG_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, 0)
	p.intVar("PONG_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, 0)
	p.boolVar("PONG_LOG_COMPRESS", &cfg.Logging.Compress)

	p.intVar("PONG_REDIS_DB", &cfg.Store.RedisDB, 0)
	p.durationVar("PONG_ROOM_TTL", &cfg.Store.RoomTTL)
	p.durationVar("PONG_MATCH_STATUS_TTL", &cfg.Store.MatchStatusTTL)
	p.durationVar("PONG_JWT_LEEWAY", &cfg.Identity.Leeway)

	p.intVar("PONG_WIN_SCORE", &cfg.Game.WinScore, 1)
	p.floatVar("PONG_TUNNEL_WIDTH", &cfg.Game.TunnelWidth)
	p.floatVar("PONG_TUNNEL_HEIGHT", &cfg.Game.TunnelHeight)
	p.floatVar("PONG_TUNNEL_LENGTH", &cfg.Game.TunnelLength)
	p.floatVar("PONG_TICK_RATE", &cfg.Game.TickRate)
	p.intVar("PONG_SUBSTEPS", &cfg.Game.Substeps, 1)
	p.floatVar("PONG_BALL_SPEED", &cfg.Game.BallSpeed)
	p.floatVar("PONG_BALL_MAX_SPEED", &cfg.Game.BallMaxSpeed)
	p.floatVar("PONG_BALL_SPEEDUP", &cfg.Game.BallSpeedUp)
	p.durationVar("PONG_START_DELAY", &cfg.Game.StartDelay)
	p.durationVar("PONG_COUNTDOWN_STEP", &cfg.Game.CountdownStep)
	p.durationVar("PONG_SCORE_PAUSE", &cfg.Game.ScorePause)
	p.durationVar("PONG_FORFEIT_TIMEOUT", &cfg.Game.ForfeitTimeout)
	p.durationVar("PONG_END_GRACE", &cfg.Game.EndGrace)
	p.durationVar("PONG_BACKUP_INTERVAL", &cfg.Game.BackupInterval)
	p.durationVar("PONG_SWEEP_INTERVAL", &cfg.SweepInterval)
	p.durationVar("PONG_LEDGER_TIMEOUT", &cfg.Ledger.Timeout)
	p.intVar("PONG_REPLAY_MAX_MATCHES", &cfg.Replay.MaxMatches, 0)
	p.durationVar("PONG_REPLAY_MAX_AGE", &cfg.Replay.MaxAge)

	if cfg.Game.BallMaxSpeed < cfg.Game.BallSpeed {
		p.add("PONG_BALL_MAX_SPEED must not be lower than PONG_BALL_SPEED")
	}
	if cfg.Game.BallSpeedUp < 1 {
		p.add("PONG_BALL_SPEEDUP must be at least 1")
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		p.add("PONG_TLS_CERT and PONG_TLS_KEY must be provided together")
	}
	if cfg.GRPCAddr != "" && cfg.GRPCSecret == "" && cfg.GRPCClientCA == "" {
		p.add("PONG_GRPC_ADDR requires PONG_GRPC_SECRET or PONG_GRPC_CLIENT_CA")
	}
	if cfg.GRPCClientCA != "" && cfg.TLSCertPath == "" {
		p.add("PONG_GRPC_CLIENT_CA requires PONG_TLS_CERT and PONG_TLS_KEY")
	}
	if cfg.Identity.JWTSecret == "" {
		p.add("PONG_JWT_SECRET must be set")
	}

	switch cfg.Ledger.Mode {
	case LedgerModeNone:
	case LedgerModeExec:
		if cfg.Ledger.Command == "" {
			p.add("PONG_LEDGER_COMMAND is required when PONG_LEDGER_MODE=exec")
		}
	case LedgerModeGRPC:
		if cfg.Ledger.GRPCAddr == "" {
			p.add("PONG_LEDGER_GRPC_ADDR is required when PONG_LEDGER_MODE=grpc")
		}
	default:
		p.add(fmt.Sprintf("PONG_LEDGER_MODE must be one of none, exec, grpc, got %q", cfg.Ledger.Mode))
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type problems struct {
	list []string
}

func (p *problems) add(msg string) { p.list = append(p.list, msg) }

func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}
	return errors.New(strings.Join(p.list, "; "))
}

func (p *problems) durationVar(key string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		p.add(fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *problems) intVar(key string, dst *int, minimum int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		p.add(fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
		return
	}
	*dst = value
}

func (p *problems) int64Var(key string, dst *int64, minimum int64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < minimum {
		p.add(fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
		return
	}
	*dst = value
}

func (p *problems) floatVar(key string, dst *float64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || !(value > 0) {
		p.add(fmt.Sprintf("%s must be a positive number, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *problems) boolVar(key string, dst *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		p.add(fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*dst = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
