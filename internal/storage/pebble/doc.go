// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// batches, prefix iteration and minimal metrics hooks. The
// transaction log, the durable checkpoints and the secondary index all live in
// one DB under disjoint key prefixes.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// Atomic updates with batches
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
//
//	// Prefix scans
//	it, _ := db.NewPrefixIter([]byte("idx/e/"))
//	for ok := it.First(); ok; ok = it.Next() { /* ... */ }
//	it.Close()
//
// CompactionsInProgress backs the secondary index's "background task running"
// check used to throttle index rebuilds. Metrics feeds the Prometheus collector.
package pebblestore
