package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.ReadIndex.StreamInfoCacheCapacity != 100000 {
		t.Fatalf("stream info cache default: %d", cfg.ReadIndex.StreamInfoCacheCapacity)
	}
	if cfg.ReadIndex.CommittedEventsCacheBytes != 16<<20 {
		t.Fatalf("committed events default: %d", cfg.ReadIndex.CommittedEventsCacheBytes)
	}
	if !cfg.ReadIndex.AdditionalCommitChecks {
		t.Fatalf("additional commit checks should default on")
	}
	if cfg.Bus.SubscriberBuffer != 1024 {
		t.Fatalf("bus buffer default")
	}
	if cfg.MetricsAddr != ":9464" {
		t.Fatalf("metrics addr default")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "flostore.json")
	data := []byte(`{"fsync":"never","readIndex":{"maxReaderCount":8,"metastreamMaxCount":3},"bus":{"subscriberBuffer":16}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fsync != "never" {
		t.Fatalf("expected never")
	}
	if cfg.ReadIndex.MaxReaderCount != 8 || cfg.ReadIndex.MetastreamMaxCount != 3 {
		t.Fatalf("readIndex section: %+v", cfg.ReadIndex)
	}
	// Unset keys keep their defaults.
	if cfg.ReadIndex.InitialReaderCount != 5 {
		t.Fatalf("initial readers: %d", cfg.ReadIndex.InitialReaderCount)
	}
	if cfg.Bus.SubscriberBuffer != 16 {
		t.Fatalf("bus buffer: %d", cfg.Bus.SubscriberBuffer)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "flostore.yaml")
	data := []byte("dataDir: /srv/flostore\nreadIndex:\n  hashCollisionReadLimit: 7\n  additionalCommitChecks: false\nchaser:\n  idleWaitMs: 25\n")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/srv/flostore" {
		t.Fatalf("dataDir: %s", cfg.DataDir)
	}
	ri := cfg.ReadIndexOptions()
	if ri.Reader.HashCollisionReadLimit != 7 || ri.Committer.AdditionalCommitChecks {
		t.Fatalf("read index options: %+v", ri)
	}
	if got := cfg.ChaserOptions().IdleWait; got != 25*time.Millisecond {
		t.Fatalf("idle wait: %v", got)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.yml")
	if err := os.WriteFile(file, []byte("readIndex: [1, 2"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("FLO_FSYNC", "interval")
	t.Setenv("FLO_READINDEX_STREAM_INFO_CACHE_CAPACITY", "42")
	t.Setenv("FLO_READINDEX_SKIP_INDEX_SCAN_ON_READ", "true")
	t.Setenv("FLO_READINDEX_EXISTENCE_FILTER_FP_RATE", "2")
	t.Setenv("FLO_BUS_SUBSCRIBER_BUFFER", "not-a-number")
	FromEnv(&cfg)
	if cfg.Fsync != "interval" {
		t.Fatalf("env override fsync")
	}
	if cfg.ReadIndex.StreamInfoCacheCapacity != 42 {
		t.Fatalf("env override capacity")
	}
	if !cfg.ReadIndex.SkipIndexScanOnRead {
		t.Fatalf("env override bool")
	}
	if cfg.ReadIndex.ExistenceFilterFalsePositiveRate != 0.01 {
		t.Fatalf("out of range rate should be ignored")
	}
	if cfg.Bus.SubscriberBuffer != 1024 {
		t.Fatalf("invalid int should be ignored")
	}
}

func TestStorageOptions(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/x"
	cfg.Fsync = "interval"
	cfg.FsyncIntervalMs = 20
	opts, err := cfg.StorageOptions()
	if err != nil {
		t.Fatalf("storage options: %v", err)
	}
	if opts.Fsync != pebblestore.FsyncModeInterval || opts.FsyncInterval != 20*time.Millisecond {
		t.Fatalf("unexpected %+v", opts)
	}
	cfg.Fsync = "sometimes"
	if _, err := cfg.StorageOptions(); err == nil {
		t.Fatalf("expected invalid fsync error")
	}
}
