package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/rzbill/flostore/internal/bus"
	"github.com/rzbill/flostore/internal/chaser"
	"github.com/rzbill/flostore/internal/readindex"
	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir         string    `json:"dataDir" yaml:"dataDir"`
	Fsync           string    `json:"fsync" yaml:"fsync"`
	FsyncIntervalMs int       `json:"fsyncIntervalMs" yaml:"fsyncIntervalMs"`
	HTTPAddr        string    `json:"httpAddr" yaml:"httpAddr"`
	MetricsAddr     string    `json:"metricsAddr" yaml:"metricsAddr"`
	ReadIndex       ReadIndex `json:"readIndex" yaml:"readIndex"`
	Bus             Bus       `json:"bus" yaml:"bus"`
	Chaser          Chaser    `json:"chaser" yaml:"chaser"`
}

// ReadIndex sizes the read index caches and tunes the committer.
type ReadIndex struct {
	StreamInfoCacheCapacity          int     `json:"streamInfoCacheCapacity" yaml:"streamInfoCacheCapacity"`
	CommittedEventsCacheBytes        int64   `json:"committedEventsCacheBytes" yaml:"committedEventsCacheBytes"`
	TransactionInfoCacheCapacity     int     `json:"transactionInfoCacheCapacity" yaml:"transactionInfoCacheCapacity"`
	InitialReaderCount               int     `json:"initialReaderCount" yaml:"initialReaderCount"`
	MaxReaderCount                   int     `json:"maxReaderCount" yaml:"maxReaderCount"`
	HashCollisionReadLimit           int     `json:"hashCollisionReadLimit" yaml:"hashCollisionReadLimit"`
	AdditionalCommitChecks           bool    `json:"additionalCommitChecks" yaml:"additionalCommitChecks"`
	SkipIndexScanOnRead              bool    `json:"skipIndexScanOnRead" yaml:"skipIndexScanOnRead"`
	MetastreamMaxCount               int64   `json:"metastreamMaxCount" yaml:"metastreamMaxCount"`
	RebuildPauseEvery                int64   `json:"rebuildPauseEvery" yaml:"rebuildPauseEvery"`
	RebuildPausePollMs               int     `json:"rebuildPausePollMs" yaml:"rebuildPausePollMs"`
	ExistenceFilterSize              uint    `json:"existenceFilterSize" yaml:"existenceFilterSize"`
	ExistenceFilterFalsePositiveRate float64 `json:"existenceFilterFalsePositiveRate" yaml:"existenceFilterFalsePositiveRate"`
}

// Bus configures the in-process message bus.
type Bus struct {
	SubscriberBuffer int `json:"subscriberBuffer" yaml:"subscriberBuffer"`
}

// Chaser tunes the background indexing loop.
type Chaser struct {
	IdleWaitMs     int `json:"idleWaitMs" yaml:"idleWaitMs"`
	RetryBackoffMs int `json:"retryBackoffMs" yaml:"retryBackoffMs"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:         DefaultDataDir(),
		Fsync:           "always",
		FsyncIntervalMs: 5,
		HTTPAddr:        ":8080",
		MetricsAddr:     ":9464",
		ReadIndex: ReadIndex{
			StreamInfoCacheCapacity:          100000,
			CommittedEventsCacheBytes:        16 << 20,
			TransactionInfoCacheCapacity:     100000,
			InitialReaderCount:               5,
			MaxReaderCount:                   64,
			HashCollisionReadLimit:           100,
			AdditionalCommitChecks:           true,
			MetastreamMaxCount:               1,
			RebuildPauseEvery:                1000000,
			RebuildPausePollMs:               1000,
			ExistenceFilterSize:              1000000,
			ExistenceFilterFalsePositiveRate: 0.01,
		},
		Bus:    Bus{SubscriberBuffer: 1024},
		Chaser: Chaser{IdleWaitMs: 100, RetryBackoffMs: 1000},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	}
	return cfg, nil
}

// StorageOptions maps the durability settings onto the Pebble wrapper.
func (c Config) StorageOptions() (pebblestore.Options, error) {
	mode, err := pebblestore.ParseFsyncMode(c.Fsync)
	if err != nil {
		return pebblestore.Options{}, err
	}
	return pebblestore.Options{
		DataDir:       c.DataDir,
		Fsync:         mode,
		FsyncInterval: time.Duration(c.FsyncIntervalMs) * time.Millisecond,
	}, nil
}

// ReadIndexOptions maps the readIndex section onto readindex.Options.
func (c Config) ReadIndexOptions() readindex.Options {
	r := c.ReadIndex
	opts := readindex.DefaultOptions()
	opts.Backend.InitialReaderCount = r.InitialReaderCount
	opts.Backend.MaxReaderCount = r.MaxReaderCount
	opts.Backend.StreamInfoCacheCapacity = r.StreamInfoCacheCapacity
	opts.Reader.HashCollisionReadLimit = r.HashCollisionReadLimit
	opts.Reader.SkipIndexScanOnRead = r.SkipIndexScanOnRead
	opts.Reader.MetastreamMaxCount = r.MetastreamMaxCount
	opts.Writer.CommittedEventsCacheBytes = r.CommittedEventsCacheBytes
	opts.Writer.TransactionInfoCacheCapacity = r.TransactionInfoCacheCapacity
	opts.Writer.StreamInfoCacheCapacity = r.StreamInfoCacheCapacity
	opts.Committer.AdditionalCommitChecks = r.AdditionalCommitChecks
	opts.Committer.RebuildPauseEvery = r.RebuildPauseEvery
	opts.Committer.RebuildPausePoll = time.Duration(r.RebuildPausePollMs) * time.Millisecond
	opts.ExistenceFilterSize = r.ExistenceFilterSize
	opts.ExistenceFilterFalsePositiveRate = r.ExistenceFilterFalsePositiveRate
	return opts
}

func (c Config) BusOptions() bus.Options {
	return bus.Options{SubscriberBuffer: c.Bus.SubscriberBuffer}
}

func (c Config) ChaserOptions() chaser.Options {
	return chaser.Options{
		IdleWait:     time.Duration(c.Chaser.IdleWaitMs) * time.Millisecond,
		RetryBackoff: time.Duration(c.Chaser.RetryBackoffMs) * time.Millisecond,
	}
}
