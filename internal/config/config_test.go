package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenAddr != ":7443" {
		t.Errorf("ListenAddr = %q, want :7443", cfg.ListenAddr)
	}
	if cfg.ReceiverQueueDepth != 64 {
		t.Errorf("ReceiverQueueDepth = %d, want 64", cfg.ReceiverQueueDepth)
	}
	if cfg.DevModeEnabled {
		t.Error("DevModeEnabled should default to false")
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]string{
		"--listen-addr=127.0.0.1:9999",
		"--dev-mode",
		"--max-connections=10",
		"--receiver-queue-depth=8",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if !cfg.DevModeEnabled {
		t.Error("DevModeEnabled should be true")
	}
	if cfg.MaxConnections != 10 {
		t.Errorf("MaxConnections = %d", cfg.MaxConnections)
	}
	if cfg.ReceiverQueueDepth != 8 {
		t.Errorf("ReceiverQueueDepth = %d", cfg.ReceiverQueueDepth)
	}
}

func TestParseRejectsInvalidQueueDepth(t *testing.T) {
	if _, err := Parse([]string{"--receiver-queue-depth=0"}); err == nil {
		t.Error("expected error for zero queue depth")
	}
}
