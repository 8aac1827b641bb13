package services

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"listing-chat/internal/cache"
	"listing-chat/internal/logger"
	"listing-chat/internal/models"
	"listing-chat/internal/store"
)

const catalogLookupTimeout = 5 * time.Second

// Catalog reads property listings cache-aside. Concurrent misses for the same
// property share one store read.
type Catalog struct {
	properties store.PropertyStore
	cache      *cache.Cache
	group      singleflight.Group
}

func NewCatalog(properties store.PropertyStore, c *cache.Cache) *Catalog {
	return &Catalog{properties: properties, cache: c}
}

func (c *Catalog) GetProperty(ctx context.Context, propertyID string) (models.Property, error) {
	key := "property:" + propertyID

	var p models.Property
	if hit, err := c.cache.Get(ctx, key, &p); err != nil {
		logger.Warn("[catalog] cache get %s: %v", key, err)
	} else if hit {
		return p, nil
	}

	// The shared lookup outlives any single caller; each caller still stops
	// waiting when its own context ends.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), catalogLookupTimeout)
		defer cancel()

		var p models.Property
		err := retryRead(ctx, "GetProperty", func(ctx context.Context) error {
			var err error
			p, err = c.properties.GetProperty(ctx, propertyID)
			return err
		})
		if err != nil {
			return models.Property{}, err
		}
		if err := c.cache.Set(ctx, key, p); err != nil {
			logger.Warn("[catalog] cache set %s: %v", key, err)
		}
		return p, nil
	})

	select {
	case <-ctx.Done():
		return models.Property{}, storeError(ctx.Err(), "Property")
	case res := <-ch:
		if res.Err != nil {
			return models.Property{}, storeError(res.Err, "Property")
		}
		return res.Val.(models.Property), nil
	}
}
