package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/database"
	"pos-offline-sync/internal/logger"
)

// Connector hands out the single store handle of the process. Concurrent
// Open calls share one in-flight open; a failed open is retried by the
// next call.
type Connector struct {
	cfg   config.StoreConfig
	group singleflight.Group

	mu     sync.Mutex
	handle *SQLiteStore
	opens  int
}

func NewConnector(cfg config.StoreConfig) *Connector {
	return &Connector{cfg: cfg}
}

func (c *Connector) current() *SQLiteStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Open returns the shared handle, opening and migrating the database on
// first use.
func (c *Connector) Open(ctx context.Context) (Store, error) {
	if h := c.current(); h != nil {
		return h, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err, _ := c.group.Do("open", func() (interface{}, error) {
		if h := c.current(); h != nil {
			return h, nil
		}
		h, err := c.open(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.handle = h
		c.opens++
		c.mu.Unlock()
		return h, nil
	})
	if err != nil {
		logger.Log.Error("Failed to open store", zap.String("backend", c.cfg.Backend), zap.Error(err))
		return nil, err
	}
	return v.(*SQLiteStore), nil
}

func (c *Connector) open(ctx context.Context) (*SQLiteStore, error) {
	collections := c.cfg.Collections
	if len(collections) == 0 {
		collections = config.DefaultCollections
	}
	switch c.cfg.Backend {
	case "sqlite", "":
		return NewSQLiteStore(ctx, c.cfg.FilePath, collections)
	case "memory":
		return NewSQLiteStore(ctx, database.MemoryPath, collections)
	default:
		return nil, &Error{Op: "open", Err: fmt.Errorf("unknown store backend: %q (supported: sqlite, memory)", c.cfg.Backend)}
	}
}

// Opens reports how many underlying connections were opened.
func (c *Connector) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Close releases the handle. A later Open starts over.
func (c *Connector) Close() error {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}
