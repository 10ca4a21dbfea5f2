package fs

import "time"

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// blocks counts the 512 byte blocks of size bytes. Unknown sizes count as
// empty.
func blocks(size int64) uint64 {
	return safeInt64ToUint64((size + 511) / 512)
}

// firstKnown returns t, or fallback if t is unknown.
func firstKnown(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
