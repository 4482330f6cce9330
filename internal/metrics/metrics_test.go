package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	pebblestore "github.com/rzbill/flostore/internal/storage/pebble"
)

func TestStorageMetricsObserve(t *testing.T) {
	reg := NewRegistry()
	m := NewStorageMetrics(reg)
	var _ pebblestore.MetricsHook = m

	m.ObserveWrite(time.Millisecond, 10)
	m.ObserveBatchCommit(2*time.Millisecond, 3, 30)
	m.ObserveRead(time.Microsecond, 5)

	if v := testutil.ToFloat64(m.writeBytes); v != 40 {
		t.Fatalf("written bytes: %v", v)
	}
	if v := testutil.ToFloat64(m.batchOps); v != 3 {
		t.Fatalf("batch ops: %v", v)
	}
	if v := testutil.ToFloat64(m.readBytes); v != 5 {
		t.Fatalf("read bytes: %v", v)
	}
}

func TestScavengeMetrics(t *testing.T) {
	m := NewScavengeMetrics(nil)
	m.EmitScavengedRange(0, 100, 4)
	m.EmitScavengedRange(120, 300, 2)
	if v := testutil.ToFloat64(m.deleted); v != 6 {
		t.Fatalf("deleted: %v", v)
	}
	if v := testutil.ToFloat64(m.lastHigh); v != 300 {
		t.Fatalf("high: %v", v)
	}
}

func TestHandlerExposesPebbleMetrics(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	reg := NewRegistry()
	reg.MustRegister(NewPebbleCollector(db.Metrics))
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"flostore_pebble_wal_files", "flostore_pebble_compaction_in_progress", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %s in scrape", want)
		}
	}
}
