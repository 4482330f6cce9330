package config

import (
	"os"
	"strconv"
)

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// FromEnv overlays FLO_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	envString("FLO_DATA_DIR", &cfg.DataDir)
	envString("FLO_FSYNC", &cfg.Fsync)
	envInt("FLO_FSYNC_INTERVAL_MS", &cfg.FsyncIntervalMs)
	envString("FLO_HTTP_ADDR", &cfg.HTTPAddr)
	envString("FLO_METRICS_ADDR", &cfg.MetricsAddr)

	r := &cfg.ReadIndex
	envInt("FLO_READINDEX_STREAM_INFO_CACHE_CAPACITY", &r.StreamInfoCacheCapacity)
	envInt64("FLO_READINDEX_COMMITTED_EVENTS_CACHE_BYTES", &r.CommittedEventsCacheBytes)
	envInt("FLO_READINDEX_TRANSACTION_INFO_CACHE_CAPACITY", &r.TransactionInfoCacheCapacity)
	envInt("FLO_READINDEX_INITIAL_READER_COUNT", &r.InitialReaderCount)
	envInt("FLO_READINDEX_MAX_READER_COUNT", &r.MaxReaderCount)
	envInt("FLO_READINDEX_HASH_COLLISION_READ_LIMIT", &r.HashCollisionReadLimit)
	envBool("FLO_READINDEX_ADDITIONAL_COMMIT_CHECKS", &r.AdditionalCommitChecks)
	envBool("FLO_READINDEX_SKIP_INDEX_SCAN_ON_READ", &r.SkipIndexScanOnRead)
	envInt64("FLO_READINDEX_METASTREAM_MAX_COUNT", &r.MetastreamMaxCount)
	envInt64("FLO_READINDEX_REBUILD_PAUSE_EVERY", &r.RebuildPauseEvery)
	envInt("FLO_READINDEX_REBUILD_PAUSE_POLL_MS", &r.RebuildPausePollMs)
	if v := os.Getenv("FLO_READINDEX_EXISTENCE_FILTER_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 0); err == nil {
			r.ExistenceFilterSize = uint(n)
		}
	}
	if v := os.Getenv("FLO_READINDEX_EXISTENCE_FILTER_FP_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			r.ExistenceFilterFalsePositiveRate = f
		}
	}

	envInt("FLO_BUS_SUBSCRIBER_BUFFER", &cfg.Bus.SubscriberBuffer)
	envInt("FLO_CHASER_IDLE_WAIT_MS", &cfg.Chaser.IdleWaitMs)
	envInt("FLO_CHASER_RETRY_BACKOFF_MS", &cfg.Chaser.RetryBackoffMs)
}
