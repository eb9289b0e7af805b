// Package shard implements shard-key interception and SQL rewriting
// (spec §4.7): computing a scuttle bucket id from a shard key and
// rewriting SELECT/INSERT/UPDATE/DELETE statements to carry it.
package shard

import "fmt"

// Algorithm selects how a shard key maps to a scuttle bucket.
type Algorithm string

const (
	HashMod Algorithm = "HASH_MOD"
	ModOnly Algorithm = "MOD_ONLY"
)

// DefaultMaxScuttleBuckets is the bucket count this worker's ancestor
// ships as a default.
const DefaultMaxScuttleBuckets = 1024

// murmurSeed is a fixed seed so the same shard key always maps to the
// same bucket across worker restarts and across every worker in a
// shard's pool.
const murmurSeed uint32 = 0x9747b28c

// ComputeScuttleID maps a shard key to a bucket in [0, maxBuckets).
func ComputeScuttleID(shardKey string, alg Algorithm, maxBuckets int) (int, error) {
	if maxBuckets <= 0 {
		return 0, fmt.Errorf("shard: maxBuckets must be positive, got %d", maxBuckets)
	}
	switch alg {
	case HashMod:
		h := murmur3_32([]byte(shardKey), murmurSeed)
		return int(h % uint32(maxBuckets)), nil
	case ModOnly:
		n, err := parseNumericKey(shardKey)
		if err != nil {
			return 0, fmt.Errorf("shard: MOD_ONLY requires a numeric shard key: %w", err)
		}
		return int(n % int64(maxBuckets)), nil
	default:
		return 0, fmt.Errorf("shard: unknown algorithm %q", alg)
	}
}

func parseNumericKey(s string) (int64, error) {
	var n int64
	neg := false
	i := 0
	if len(s) > 0 && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		i = 1
	}
	if i == len(s) {
		return 0, fmt.Errorf("empty numeric key")
	}
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit character %q", c)
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	if n < 0 {
		n = -n
	}
	return n, nil
}

// murmur3_32 is the 32-bit MurmurHash3 finalizer/body, a small
// well-known public-domain algorithm with no third-party Go module in
// this codebase's dependency pack (see the grounding ledger for why
// this one component stays hand-written).
func murmur3_32(data []byte, seed uint32) uint32 {
	const c1 = 0xcc9e2d51
	const c2 = 0x1b873593

	h := seed
	n := len(data)
	nblocks := n / 4

	for i := 0; i < nblocks; i++ {
		k := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		k *= c1
		k = (k << 15) | (k >> 17)
		k *= c2

		h ^= k
		h = (h << 13) | (h >> 19)
		h = h*5 + 0xe6546b64
	}

	var k1 uint32
	tail := data[nblocks*4:]
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h ^= k1
	}

	h ^= uint32(n)
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
