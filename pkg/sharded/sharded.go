// Package sharded provides lock-sharded concurrent map and set types keyed by
// relative path strings. Shard selection uses FNV-1a over the key with a
// power-of-two shard count so the modulus reduces to a bitwise AND.
package sharded

import "hash/fnv"

// numShards is the fixed shard count. Power of 2 for fast bitwise mod.
const numShards = 64

// shardIndex calculates the shard index for a given key using FNV-1a.
func shardIndex(key string) int {
	h := fnv.New32a()
	// Write never returns an error for FNV-1a.
	h.Write([]byte(key))
	return int(h.Sum32() & uint32(numShards-1))
}
