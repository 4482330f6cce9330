// Package tableindex implements the secondary index that maps
// (stream, event number) to log positions.
//
// Entries live in Pebble under idx/e/{hash_be8}/{version_be8}/{position_be8},
// where hash is a 64-bit hash of the stream id. Distinct streams may share a
// hash bucket, so callers must verify the stream id of the prepare an entry
// points at. The prepare and commit checkpoints persist under idx/chk and are
// advanced in the same batch as the entries they cover.
//
// ExistenceFilter is a bloom filter over stream hashes that lets readers skip
// index lookups for streams that were never written.
package tableindex
