package multichunk

import "container/list"

// Cache bounds the plaintext bytes held from already-decrypted
// multichunks, evicting by least-recent access once the byte budget is
// exceeded. spec.md §9 asks for "an ordered map or linked-hash-map" rather
// than a bespoke structure; container/list plus a map is the idiomatic Go
// shape for that and needs no external dependency, unlike most of the
// other data structures in this module.
type Cache struct {
	maxBytes     uint64
	currentBytes uint64
	order        *list.List // front = most recently used
	index        map[[32]byte]*list.Element
}

type cacheEntry struct {
	sum  [32]byte
	refs []ChunkRef
	data []byte
}

// NewCache returns a Cache that holds at most maxBytes of decompressed
// multichunk plaintext at a time, except that the most recently added
// multichunk is always kept, even when it alone exceeds maxBytes.
func NewCache(maxBytes uint64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		order:    list.New(),
		index:    make(map[[32]byte]*list.Element),
	}
}

func (c *Cache) get(sum [32]byte) ([]ChunkRef, []byte, bool) {
	el, ok := c.index[sum]
	if !ok {
		return nil, nil, false
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	return entry.refs, entry.data, true
}

func (c *Cache) put(sum [32]byte, refs []ChunkRef, data []byte) {
	if el, ok := c.index[sum]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).data = data
		return
	}

	entry := &cacheEntry{sum: sum, refs: refs, data: data}
	el := c.order.PushFront(entry)
	c.index[sum] = el
	c.currentBytes += uint64(len(data))

	for c.currentBytes > c.maxBytes && c.order.Len() > 1 {
		c.evictOldest()
	}
}

func (c *Cache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.index, entry.sum)
	c.currentBytes -= uint64(len(entry.data))
}

// Len reports the number of multichunks currently cached.
func (c *Cache) Len() int { return c.order.Len() }
