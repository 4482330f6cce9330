package eventlog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - log/e/{pos_be8}   records, keyed by their pre-position
// - chk/{name}        durable checkpoints (writer, replication, index)

var (
	logEntryPrefix   = []byte("log/e/")
	checkpointPrefix = []byte("chk/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyLogEntry builds the record key with a big-endian position for proper ordering.
func KeyLogEntry(pos int64) []byte {
	k := make([]byte, 0, len(logEntryPrefix)+8)
	k = append(k, logEntryPrefix...)
	return appendBE8(k, uint64(pos))
}

// positionFromKey extracts the position of a record key.
func positionFromKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[len(k)-8:]))
}

// KeyCheckpoint builds the key of a named checkpoint.
func KeyCheckpoint(name string) []byte {
	k := make([]byte, 0, len(checkpointPrefix)+len(name))
	k = append(k, checkpointPrefix...)
	return append(k, name...)
}
