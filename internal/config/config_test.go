package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PONG_JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("PONG_ADDR", "")
	t.Setenv("PONG_ALLOWED_ORIGINS", "")
	t.Setenv("PONG_LEDGER_MODE", "")
	t.Setenv("PONG_TLS_CERT", "")
	t.Setenv("PONG_TLS_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.Game != DefaultGame() {
		t.Fatalf("expected default game config, got %#v", cfg.Game)
	}
	if cfg.Game.WinScore != 5 || cfg.Game.ForfeitTimeout != 10*time.Second {
		t.Fatalf("unexpected match timings %#v", cfg.Game)
	}
	if cfg.Ledger.Mode != LedgerModeNone {
		t.Fatalf("expected ledger disabled by default, got %q", cfg.Ledger.Mode)
	}
	if cfg.Store.RoomTTL != DefaultRoomTTL {
		t.Fatalf("expected default room ttl, got %v", cfg.Store.RoomTTL)
	}
	if cfg.Replay.MaxMatches != DefaultReplayMaxMatches || cfg.Replay.MaxAge != DefaultReplayMaxAge {
		t.Fatalf("unexpected replay retention %#v", cfg.Replay)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PONG_ADDR", "127.0.0.1:9000")
	t.Setenv("PONG_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("PONG_WIN_SCORE", "11")
	t.Setenv("PONG_TICK_RATE", "120")
	t.Setenv("PONG_FORFEIT_TIMEOUT", "3s")
	t.Setenv("PONG_LEDGER_MODE", "GRPC")
	t.Setenv("PONG_LEDGER_GRPC_ADDR", "ledger:9090")
	t.Setenv("PONG_REDIS_ADDR", "redis:6379")
	t.Setenv("PONG_REDIS_DB", "2")
	t.Setenv("PONG_REPLAY_DIR", "/var/lib/pong/replays")
	t.Setenv("PONG_REPLAY_MAX_MATCHES", "12")
	t.Setenv("PONG_REPLAY_MAX_AGE", "48h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.Game.WinScore != 11 || cfg.Game.TickRate != 120 {
		t.Fatalf("unexpected game overrides %#v", cfg.Game)
	}
	if cfg.Game.ForfeitTimeout != 3*time.Second {
		t.Fatalf("expected forfeit 3s, got %v", cfg.Game.ForfeitTimeout)
	}
	if cfg.Ledger.Mode != LedgerModeGRPC || cfg.Ledger.GRPCAddr != "ledger:9090" {
		t.Fatalf("unexpected ledger config %#v", cfg.Ledger)
	}
	if cfg.Store.RedisAddr != "redis:6379" || cfg.Store.RedisDB != 2 {
		t.Fatalf("unexpected store config %#v", cfg.Store)
	}
	if cfg.Replay.Dir != "/var/lib/pong/replays" || cfg.Replay.MaxMatches != 12 || cfg.Replay.MaxAge != 48*time.Hour {
		t.Fatalf("unexpected replay config %#v", cfg.Replay)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("PONG_JWT_SECRET", "")
	t.Setenv("PONG_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("PONG_PING_INTERVAL", "abc")
	t.Setenv("PONG_WIN_SCORE", "0")
	t.Setenv("PONG_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("PONG_TLS_KEY", "")
	t.Setenv("PONG_LEDGER_MODE", "exec")
	t.Setenv("PONG_LEDGER_COMMAND", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"PONG_JWT_SECRET",
		"PONG_MAX_PAYLOAD_BYTES",
		"PONG_PING_INTERVAL",
		"PONG_WIN_SCORE",
		"PONG_TLS_CERT",
		"PONG_LEDGER_COMMAND",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadRejectsUnknownLedgerMode(t *testing.T) {
	setRequired(t)
	t.Setenv("PONG_LEDGER_MODE", "carrier-pigeon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "PONG_LEDGER_MODE") {
		t.Fatalf("expected ledger mode error, got %v", err)
	}
}

func TestLoadRejectsInvertedBallSpeeds(t *testing.T) {
	setRequired(t)
	t.Setenv("PONG_BALL_SPEED", "20")
	t.Setenv("PONG_BALL_MAX_SPEED", "10")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "PONG_BALL_MAX_SPEED") {
		t.Fatalf("expected speed ordering error, got %v", err)
	}
}

func TestLoadRequiresGRPCAuthentication(t *testing.T) {
	setRequired(t)
	t.Setenv("PONG_GRPC_ADDR", ":9090")
	t.Setenv("PONG_GRPC_SECRET", "")
	t.Setenv("PONG_GRPC_CLIENT_CA", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "PONG_GRPC_ADDR") {
		t.Fatalf("expected grpc authentication error, got %v", err)
	}

	t.Setenv("PONG_GRPC_SECRET", "hunter2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.GRPCAddr != ":9090" || cfg.GRPCSecret != "hunter2" {
		t.Fatalf("unexpected grpc config %q %q", cfg.GRPCAddr, cfg.GRPCSecret)
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	setRequired(t)
	t.Setenv("PONG_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}

func TestLoadWithCustomTLSPair(t *testing.T) {
	setRequired(t)
	certFile := createTempFile(t)
	keyFile := createTempFile(t)

	t.Setenv("PONG_TLS_CERT", certFile)
	t.Setenv("PONG_TLS_KEY", keyFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.TLSCertPath != certFile || cfg.TLSKeyPath != keyFile {
		t.Fatalf("unexpected TLS pair cert=%q key=%q", cfg.TLSCertPath, cfg.TLSKeyPath)
	}
}

func createTempFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "pong-config-test-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	name := f.Name()
	f.Close()
	t.Cleanup(func() { _ = os.Remove(name) })
	return name
}
