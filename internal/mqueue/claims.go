package mqueue

import (
	"sync"

	"github.com/devrev/pairdb/stream-node/internal/errors"
)

type claimKey struct {
	group     string
	partition Partition
}

// Claims enforces a single open tailer per (group, partition)
type Claims struct {
	mu      sync.Mutex
	claimed map[claimKey]struct{}
}

// NewClaims creates an empty registry
func NewClaims() *Claims {
	return &Claims{claimed: make(map[claimKey]struct{})}
}

// Claim reserves all partitions for group, or none if one is already taken
func (c *Claims) Claim(group string, partitions []Partition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range partitions {
		if _, ok := c.claimed[claimKey{group, p}]; ok {
			return errors.DuplicateTailer(group, p.String())
		}
	}
	for _, p := range partitions {
		c.claimed[claimKey{group, p}] = struct{}{}
	}
	return nil
}

// Release frees the partitions of group
func (c *Claims) Release(group string, partitions []Partition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range partitions {
		delete(c.claimed, claimKey{group, p})
	}
}

// Len returns the number of claimed partitions
func (c *Claims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claimed)
}
