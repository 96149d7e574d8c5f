// Package profile builds identity-keyed profile records: a merged traits
// document per profile plus an append-only log of the profile's events,
// both partitioned by a deterministic 32-bit hash of the profile id.
package profile

import (
	"crypto/md5" //nolint:gosec // partitioning hash, not a security boundary
	"encoding/hex"
	"strconv"
)

// HashModulus is the largest positive int32. Hashes fall in [0, HashModulus).
const HashModulus = 2147483647

// Int32Hash derives the shard hash of a profile id: the first 8 hex digits of
// its MD5 digest read as a uint32, reduced modulo HashModulus.
func Int32Hash(value string) int32 {
	sum := md5.Sum([]byte(value)) //nolint:gosec // see import
	prefix := hex.EncodeToString(sum[:4])
	// 8 hex digits always fit 32 bits
	n, _ := strconv.ParseUint(prefix, 16, 32)
	return int32(n % HashModulus)
}
