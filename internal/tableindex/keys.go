package tableindex

import "encoding/binary"

// Layout:
// - idx/e/{hash_be8}/{version_be8}/{position_be8}
// - idx/chk  (prepare_be8 | commit_be8)

var (
	entryPrefix   = []byte("idx/e/")
	checkpointKey = []byte("idx/chk")
)

const (
	bucketPrefixLen = 6 + 8 + 1
	entryKeyLen     = bucketPrefixLen + 8 + 1 + 8
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func bucketPrefix(hash uint64) []byte {
	k := make([]byte, 0, entryKeyLen)
	k = append(k, entryPrefix...)
	k = appendBE8(k, hash)
	return append(k, '/')
}

func entryKey(hash uint64, version, position int64) []byte {
	k := bucketPrefix(hash)
	k = appendBE8(k, uint64(version))
	k = append(k, '/')
	return appendBE8(k, uint64(position))
}

// versionBound returns the first key of version within the bucket.
func versionBound(hash uint64, version int64) []byte {
	k := bucketPrefix(hash)
	k = appendBE8(k, uint64(version))
	return append(k, '/')
}

func parseEntryKey(k []byte) (IndexEntry, bool) {
	if len(k) != entryKeyLen {
		return IndexEntry{}, false
	}
	return IndexEntry{
		Stream:   binary.BigEndian.Uint64(k[len(entryPrefix):]),
		Version:  int64(binary.BigEndian.Uint64(k[bucketPrefixLen:])),
		Position: int64(binary.BigEndian.Uint64(k[bucketPrefixLen+9:])),
	}, true
}
