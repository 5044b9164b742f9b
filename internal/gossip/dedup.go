package gossip

import (
	"container/list"
	"crypto/sha256"
)

// dedupCache remembers the hashes of the last N payloads seen, so a
// mutation re-delivered by gossip amplification is recognized and
// dropped before it reaches the registry a second time.
type dedupCache struct {
	limit int
	order *list.List
	seen  map[[32]byte]*list.Element
}

func newDedupCache(limit int) *dedupCache {
	return &dedupCache{
		limit: limit,
		order: list.New(),
		seen:  make(map[[32]byte]*list.Element, limit),
	}
}

// seenBefore reports whether payload was already recorded, and records
// it if not.
func (c *dedupCache) seenBefore(payload []byte) bool {
	h := sha256.Sum256(payload)
	if _, ok := c.seen[h]; ok {
		return true
	}

	elem := c.order.PushBack(h)
	c.seen[h] = elem
	if c.order.Len() > c.limit {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.seen, oldest.Value.([32]byte))
	}
	return false
}
