package store

import (
	"encoding/binary"
)

// Keyspace layout (byte-wise, lexicographically sortable):
// - r/{id_be8}      encoded record
// - d/{digest}      last accepted time, be8 ms
// - m/{key}         metadata value
// - s/records       last assigned record id, be8

var (
	recordPrefix = []byte("r/")
	digestPrefix = []byte("d/")
	metaPrefix   = []byte("m/")
	recordSeqKey = []byte("s/records")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyRecord(id uint64) []byte {
	k := make([]byte, 0, len(recordPrefix)+8)
	k = append(k, recordPrefix...)
	return appendBE8(k, id)
}

func keyDigest(digest string) []byte {
	k := make([]byte, 0, len(digestPrefix)+len(digest))
	k = append(k, digestPrefix...)
	return append(k, digest...)
}

func keyMeta(key string) []byte {
	k := make([]byte, 0, len(metaPrefix)+len(key))
	k = append(k, metaPrefix...)
	return append(k, key...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeInt64(v int64) []byte {
	return appendBE8(nil, uint64(v))
}

func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
