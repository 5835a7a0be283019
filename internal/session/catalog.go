package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raphaelgruber/polychat/internal/metrics"
	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/provider"
)

// Catalog caches model lists per provider in memory. Concurrent fetches for
// the same provider share one request.
type Catalog struct {
	group   singleflight.Group
	metrics *metrics.Collector

	mu     sync.RWMutex
	models map[string][]models.Model
}

// NewCatalog creates an empty catalog.
func NewCatalog(m *metrics.Collector) *Catalog {
	return &Catalog{metrics: m, models: make(map[string][]models.Model)}
}

// Cached returns the cached list for a provider.
func (c *Catalog) Cached(providerID string) ([]models.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list, ok := c.models[providerID]
	return slices.Clone(list), ok
}

// Invalidate drops the cached list for a provider.
func (c *Catalog) Invalidate(providerID string) {
	c.mu.Lock()
	delete(c.models, providerID)
	c.mu.Unlock()
}

// Get returns the cached list or fetches it.
func (c *Catalog) Get(ctx context.Context, a provider.Adapter, cred models.Credential) ([]models.Model, error) {
	if list, ok := c.Cached(a.Info().ID); ok {
		return list, nil
	}
	return c.Refresh(ctx, a, cred)
}

// Refresh fetches the model list and replaces the cached entry. The shared
// fetch outlives a cancelled caller so the other waiters still get a result.
func (c *Catalog) Refresh(ctx context.Context, a provider.Adapter, cred models.Credential) ([]models.Model, error) {
	id := a.Info().ID
	ch := c.group.DoChan(id, func() (any, error) {
		start := time.Now()
		list, err := a.ListModels(context.WithoutCancel(ctx), cred)
		c.metrics.Since(metrics.OpListModels, start)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models[id] = list
		c.mu.Unlock()
		return list, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]models.Model)), nil
	}
}
