package store

import (
	"context"
	"database/sql"
	"sync"
)

// clusterNames is the process-wide cluster-name cache. It is loaded on the
// first successful Open, refreshed whenever a cluster add/remove commits
// and consulted read-only by every operation that needs to validate a
// cluster name without issuing a query. It is deliberately not a TTL
// cache: invalidation is explicit, at commit.
var clusterNames = &ClusterCache{names: map[string]struct{}{}}

// ClusterCache is a mutex-guarded set of known cluster names.
type ClusterCache struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// Known reports whether a cluster name is registered.
func (c *ClusterCache) Known(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.names[name]

	return ok
}

// Names returns the registered cluster names.
func (c *ClusterCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.names))
	for name := range c.names {
		names = append(names, name)
	}

	return names
}

// Refresh reloads the cache from the clusters table.
func (c *ClusterCache) Refresh(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "SELECT name FROM clusters WHERE deleted = 0")
	if err != nil {
		return err
	}
	defer rows.Close()

	names := make(map[string]struct{})

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}

		names[name] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.names = names
	c.mu.Unlock()

	return nil
}
