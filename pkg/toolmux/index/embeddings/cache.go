// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package embeddings

import "sync"

// cache is a bounded text-to-vector map. When full, an arbitrary entry is
// evicted; the workload (tool descriptions re-indexed wholesale) does not
// justify LRU bookkeeping.
type cache struct {
	mu      sync.RWMutex
	entries map[string][]float32
	maxSize int
}

func newCache(maxSize int) *cache {
	return &cache{
		entries: make(map[string][]float32, maxSize),
		maxSize: maxSize,
	}
}

func (c *cache) get(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vector, ok := c.entries[text]
	return vector, ok
}

func (c *cache) put(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[text] = vector
}

func (c *cache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
