// Package util contains internal helpers (hashing, padding).
//
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "hash/maphash"

// Hash is a seeded hasher for concurrent maps keyed by any comparable type.
// Strings take the maphash.String fast path; integer widths are folded into
// the seeded hash of their 8 little-endian bytes without allocating.
// Everything else goes through maphash.Comparable.
func Hash[K comparable](seed maphash.Seed, k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return maphash.String(seed, v)
	case int:
		return hashUint64(seed, uint64(v))
	case int64:
		return hashUint64(seed, uint64(v))
	case int32:
		return hashUint64(seed, uint64(uint32(v)))
	case uint:
		return hashUint64(seed, uint64(v))
	case uint64:
		return hashUint64(seed, v)
	case uint32:
		return hashUint64(seed, uint64(v))
	default:
		return maphash.Comparable(seed, k)
	}
}

func hashUint64(seed maphash.Seed, u uint64) uint64 {
	var b [8]byte
	for i := range b {
		b[i] = byte(u)
		u >>= 8
	}
	return maphash.Bytes(seed, b[:])
}
