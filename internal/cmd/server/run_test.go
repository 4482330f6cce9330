package serverrun

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/flostore/internal/config"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

func TestStoreDir(t *testing.T) {
	if got := storeDir("/custom/data"); got != filepath.Join("/custom/data", "store") {
		t.Fatalf("store dir: %s", got)
	}
	got := storeDir("")
	if !strings.HasSuffix(got, "store") || got == "store" {
		t.Fatalf("default store dir: %s", got)
	}
}

func TestGetenvDefault(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		def      string
		envValue string
		expected string
	}{
		{name: "environment variable set", key: "TEST_VAR", def: "default", envValue: "env_value", expected: "env_value"},
		{name: "environment variable empty", key: "TEST_VAR_EMPTY", def: "default", envValue: "", expected: "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.envValue)
			if got := getenvDefault(tt.key, tt.def); got != tt.expected {
				t.Errorf("getenvDefault(%s, %s) = %s, expected %s", tt.key, tt.def, got, tt.expected)
			}
		})
	}
}

func testConfig(t *testing.T) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func TestRunStopsOnCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, Options{Config: testConfig(t), Logger: logpkg.NewNopLogger()}) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestRunFailsOnBadAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPAddr = "not-an-address"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Run(ctx, Options{Config: cfg, Logger: logpkg.NewNopLogger()}); err == nil {
		t.Fatalf("expected listen error")
	}
}

func TestRunFailsOnBadFsync(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fsync = "sometimes"
	if err := Run(context.Background(), Options{Config: cfg, Logger: logpkg.NewNopLogger()}); err == nil {
		t.Fatalf("expected config error")
	}
}
