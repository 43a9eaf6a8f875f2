package mqueue

import "github.com/cespare/xxhash/v2"

// PartitionFor maps a key to a partition so that the same key always lands in the same one
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(partitions))
}
