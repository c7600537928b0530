package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pos-offline-sync/internal/cache"
	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/logger"
	"pos-offline-sync/internal/store"
	possync "pos-offline-sync/internal/sync"
)

const (
	CollectionMenu         = "menuItems"
	CollectionTransactions = "transactions"
	CollectionCustomers    = "customers"
)

var ErrNotStarted = errors.New("coordinator not started")

// Deps are the collaborators injected into the coordinator. Zero values
// fall back to the defaults noted per field.
type Deps struct {
	// Store replaces the connector-opened store.
	Store store.Store
	// CacheStorage holds cache entries. Default: the store.
	CacheStorage store.CacheStore
	// Fetcher performs cache network requests. Default: http.Client.
	Fetcher cache.Fetcher
	// Sender pushes queued writes to the remote. nil disables sync.
	Sender possync.Sender
	// Alerts receives low-stock alerts. Default: LogSink.
	Alerts AlertSink
}

// Coordinator wires the store, the cache manager, the sync queue and the
// periodic low-stock scan together.
type Coordinator struct {
	cfg       *config.Config
	deps      Deps
	connector *store.Connector
	alerts    AlertSink

	mu      sync.RWMutex
	store   store.Store
	cache   *cache.Manager
	sync    *possync.Manager
	cron    *cron.Cron
	started bool
}

func New(cfg *config.Config, deps Deps) *Coordinator {
	alerts := deps.Alerts
	if alerts == nil {
		alerts = LogSink{}
	}
	return &Coordinator{
		cfg:       cfg,
		deps:      deps,
		connector: store.NewConnector(cfg.Store),
		alerts:    alerts,
	}
}

// Start opens the store, brings up the cache manager and starts the
// schedules. A cache install failure is logged and leaves the proxy in
// pass-through mode.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("coordinator already started")
	}

	st := c.deps.Store
	if st == nil {
		opened, err := c.connector.Open(ctx)
		if err != nil {
			return err
		}
		st = opened
	}

	storage := c.deps.CacheStorage
	if storage == nil {
		storage = st
	}
	cm, err := cache.NewManager(c.cfg.Cache, storage, c.deps.Fetcher)
	if err != nil {
		c.closeStore()
		return err
	}
	if err := cm.Start(ctx); err != nil {
		logger.Log.Warn("Cache manager not active, proxying without cache", zap.Error(err))
	}

	sm := possync.NewManager(c.cfg.Sync, c.cfg.Scheduler, st, c.deps.Sender)
	if c.deps.Sender != nil {
		if err := sm.Start(); err != nil {
			cm.Close()
			c.closeStore()
			return err
		}
	} else {
		logger.Log.Info("No remote configured, writes stay queued")
	}

	c.store, c.cache, c.sync = st, cm, sm
	if err := c.startLowStockScan(); err != nil {
		sm.Stop()
		cm.Close()
		c.closeStore()
		c.store, c.cache, c.sync = nil, nil, nil
		return err
	}

	c.started = true
	logger.Log.Info("Offline coordinator started",
		zap.Strings("collections", st.Collections()),
		zap.String("cache_state", string(cm.Status().State)),
	)
	return nil
}

func (c *Coordinator) startLowStockScan() error {
	interval := c.cfg.Offline.LowStockInterval
	if interval == "" {
		return nil
	}
	cl := logger.CronLogger{Component: "low-stock"}
	c.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	if _, err := c.cron.AddFunc(interval, c.lowStockJob); err != nil {
		c.cron = nil
		return fmt.Errorf("invalid low_stock_interval %q: %w", interval, err)
	}
	c.cron.Start()
	return nil
}

// Stop ends the schedules, drains the cache refreshers and closes the
// store.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	scan, sm, cm := c.cron, c.sync, c.cache
	c.cron = nil
	c.started = false
	c.mu.Unlock()

	if scan != nil {
		<-scan.Stop().Done()
	}
	sm.Stop()
	cm.Close()
	c.closeStore()
	logger.Log.Info("Offline coordinator stopped")
}

func (c *Coordinator) closeStore() {
	if c.deps.Store != nil {
		return
	}
	if err := c.connector.Close(); err != nil {
		logger.Log.Error("Failed to close store", zap.Error(err))
	}
}

func (c *Coordinator) ready() (store.Store, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return nil, ErrNotStarted
	}
	return c.store, nil
}

func (c *Coordinator) Store() store.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

func (c *Coordinator) Cache() *cache.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache
}

func (c *Coordinator) Sync() *possync.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sync
}

// SaveRecord writes rec and queues it for the remote. A store failure is
// returned and nothing is queued.
func (c *Coordinator) SaveRecord(ctx context.Context, collection string, rec store.Record) error {
	st, err := c.ready()
	if err != nil {
		return err
	}
	if err := st.Put(ctx, collection, rec); err != nil {
		return err
	}
	if _, err := c.Sync().Enqueue(ctx, collection, rec); err != nil {
		return err
	}
	return nil
}

// AddLoyaltyPoints adds points to a customer's balance. A missing balance
// counts as zero.
func (c *Coordinator) AddLoyaltyPoints(ctx context.Context, customerID string, points float64) (store.Record, error) {
	st, err := c.ready()
	if err != nil {
		return nil, err
	}
	rec, err := st.Get(ctx, CollectionCustomers, customerID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &store.Error{Op: "addLoyaltyPoints", Collection: CollectionCustomers, Err: fmt.Errorf("%w: customer %s", store.ErrNotFound, customerID)}
	}

	updated := rec.Clone()
	updated["points"] = rec.Number("points") + points
	if err := c.SaveRecord(ctx, CollectionCustomers, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// ScanLowStock raises one alert per menu item at or below the threshold.
// It only reads.
func (c *Coordinator) ScanLowStock(ctx context.Context) ([]LowStockAlert, error) {
	st, err := c.ready()
	if err != nil {
		return nil, err
	}
	items, err := st.GetAll(ctx, CollectionMenu)
	if err != nil {
		return nil, err
	}

	threshold := c.cfg.Offline.LowStockThreshold
	alerts := make([]LowStockAlert, 0)
	for _, item := range items {
		stock := item.Number("stock")
		if stock > threshold {
			continue
		}
		id, _ := item.ID()
		a := LowStockAlert{
			ItemID:    id,
			Name:      item.String("name"),
			Stock:     stock,
			Threshold: threshold,
		}
		c.alerts.LowStock(ctx, a)
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (c *Coordinator) lowStockJob() {
	alerts, err := c.ScanLowStock(context.Background())
	if err != nil {
		logger.Log.Warn("Low-stock scan skipped", zap.Error(err))
		return
	}
	logger.Log.Debug("Low-stock scan finished", zap.Int("alerts", len(alerts)))
}
