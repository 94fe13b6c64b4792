package plugin

import (
	"fmt"
	"io"
	"sync"
)

// ClientKey identifies a cached client handle by the plugin that owns it and
// the node it's scoped to.
type ClientKey struct {
	PluginName string
	StateID    string
}

// ClientCache is a sync.RWMutex-guarded map of cached client handles: one
// entry per (plugin, state_id), populated lazily on first use and drained
// deterministically on Close rather than via an idle-timeout cleanup ticker
// (a run's plugin set is fixed for the run's lifetime, unlike an HTTP
// server's open-ended plugin population).
type ClientCache struct {
	mu      sync.RWMutex
	clients map[ClientKey]any
}

// NewClientCache constructs an empty cache.
func NewClientCache() *ClientCache {
	return &ClientCache{clients: make(map[ClientKey]any)}
}

// GetOrCreate returns the cached client for key, calling create to populate
// the cache on a miss. create is called at most once per key even under
// concurrent callers.
func (c *ClientCache) GetOrCreate(key ClientKey, create func() (any, error)) (any, error) {
	c.mu.RLock()
	client, ok := c.clients[key]
	c.mu.RUnlock()

	if ok {
		return client, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client, nil
	}

	client, err := create()
	if err != nil {
		return nil, err
	}

	c.clients[key] = client

	return client, nil
}

// Close closes every cached client that implements io.Closer, collecting
// (not stopping at) the first error so one misbehaving client doesn't leave
// the rest leaked.
func (c *ClientCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	for key, client := range c.clients {
		if closer, ok := client.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("plugin: close client %s/%s: %w", key.PluginName, key.StateID, err))
			}
		}

		delete(c.clients, key)
	}

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}
