package app

import (
	"testing"

	"downpour/internal/option"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.BtRequestPeerSpeed != 50*1024 {
		t.Fatalf("BtRequestPeerSpeed = %d, want %d", cfg.BtRequestPeerSpeed, 50*1024)
	}
	if cfg.TickIntervalMs != 100 {
		t.Fatalf("TickIntervalMs = %d, want 100", cfg.TickIntervalMs)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("BT_MAX_PEERS", "10")
	t.Setenv("CONNECT_TIMEOUT_S", "garbage")
	t.Setenv("MAX_DOWNLOAD_LIMIT", "-3")

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.BtMaxPeers != 10 {
		t.Fatalf("BtMaxPeers = %d, want 10", cfg.BtMaxPeers)
	}
	// Unparsable and negative values fall back to defaults.
	if cfg.ConnectTimeoutSeconds != 60 {
		t.Fatalf("ConnectTimeoutSeconds = %d, want 60", cfg.ConnectTimeoutSeconds)
	}
	if cfg.MaxDownloadLimit != 0 {
		t.Fatalf("MaxDownloadLimit = %d, want 0", cfg.MaxDownloadLimit)
	}
}

func TestOptionSnapshot(t *testing.T) {
	t.Setenv("BT_REQUEST_PEER_SPEED_LIMIT", "12345")
	cfg := LoadConfig()
	opts := option.NewStore(cfg.OptionSnapshot())
	if got := opts.GetInt(option.KeyBtRequestPeerSpeedLimit); got != 12345 {
		t.Fatalf("snapshot speed limit = %d, want 12345", got)
	}
}
