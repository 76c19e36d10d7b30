package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EnvOnlyDefaults(t *testing.T) {
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.Reconciler.MaxRetryAttempts != 3 {
		t.Fatalf("max_retry_attempts=%d want 3", cfg.Reconciler.MaxRetryAttempts)
	}
	if cfg.Reconciler.ScanInterval != 30*time.Second {
		t.Fatalf("scan_interval=%s want 30s", cfg.Reconciler.ScanInterval)
	}
	if cfg.Reconciler.AttemptMaxAge != time.Hour {
		t.Fatalf("attempt_max_age=%s want 1h", cfg.Reconciler.AttemptMaxAge)
	}
	if cfg.Payout.FullRefundFeeBps != 0 || cfg.Payout.WinnerFeeBps != 500 {
		t.Fatalf("payout=%+v", cfg.Payout)
	}
	if cfg.NATS.Subject != "settlement.executed" {
		t.Fatalf("nats.subject=%q", cfg.NATS.Subject)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("reconciler:\n  scan_interval: 5s\n  max_retry_attempts: 7\nledger:\n  authority: exec-key\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.Reconciler.ScanInterval != 5*time.Second {
		t.Fatalf("scan_interval=%s want 5s", cfg.Reconciler.ScanInterval)
	}
	if cfg.Reconciler.MaxRetryAttempts != 7 {
		t.Fatalf("max_retry_attempts=%d want 7", cfg.Reconciler.MaxRetryAttempts)
	}
	if cfg.Ledger.Authority != "exec-key" {
		t.Fatalf("authority=%q", cfg.Ledger.Authority)
	}
}

func TestLookbackWindow(t *testing.T) {
	cases := []struct {
		name string
		cfg  ReconcilerConfig
		want time.Duration
	}{
		{name: "explicit", cfg: ReconcilerConfig{Lookback: time.Hour, StaleThreshold: time.Minute}, want: time.Hour},
		{name: "twice stale", cfg: ReconcilerConfig{StaleThreshold: 10 * time.Minute}, want: 20 * time.Minute},
		{name: "fallback", cfg: ReconcilerConfig{}, want: time.Hour},
	}
	for _, tc := range cases {
		if got := tc.cfg.LookbackWindow(); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}
