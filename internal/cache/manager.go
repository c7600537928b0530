package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/logger"
	"pos-offline-sync/internal/store"
)

var (
	// ErrResourceUnavailable is returned when a GET misses the cache, the
	// network fails and no fallback document is cached.
	ErrResourceUnavailable  = errors.New("resource unavailable")
	ErrGenerationRegression = errors.New("cache generation must not decrease")
	ErrInvalidState         = errors.New("invalid cache manager state")
)

type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActive     State = "active"
)

// Source tells where a GET response came from. It is also sent to clients
// in the X-Cache header.
type Source string

const (
	SourceCache    Source = "HIT"
	SourceNetwork  Source = "MISS"
	SourceFallback Source = "FALLBACK"
)

// Fetcher performs outbound requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

type Status struct {
	State      State  `json:"state"`
	Generation int64  `json:"generation"`
	Version    int64  `json:"version"`
	Manifest   int    `json:"manifest_assets"`
	Origin     string `json:"origin"`
}

// Manager answers GET requests cache-first from the active generation and
// proxies everything else to the origin.
type Manager struct {
	cfg         config.CacheConfig
	origin      *url.URL
	storage     store.CacheStore
	client      Fetcher
	refresher   *Refresher
	fallbackURL string

	mu         sync.RWMutex
	state      State
	generation int64
}

// NewManager builds an idle manager. client may be nil, in which case an
// http.Client with the configured fetch timeout is used. The refresh
// workers start immediately; Close stops them.
func NewManager(cfg config.CacheConfig, storage store.CacheStore, client Fetcher) (*Manager, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || !origin.IsAbs() {
		return nil, fmt.Errorf("invalid cache origin %q", cfg.Origin)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.GetFetchTimeout()}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}

	m := &Manager{
		cfg:     cfg,
		origin:  origin,
		storage: storage,
		client:  client,
		state:   StateIdle,
	}
	if cfg.FallbackPath != "" {
		fb, err := m.resolve(cfg.FallbackPath)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback path %q: %w", cfg.FallbackPath, err)
		}
		m.fallbackURL = fb.String()
	}

	m.refresher = NewRefresher(cfg.RefreshWorkers, cfg.RefreshQueueSize, cfg.GetRefreshTimeout(), m.refresh)
	m.refresher.Start()
	return m, nil
}

// RequestKey is the cache identity of a request.
func RequestKey(method, rawURL string) string {
	return method + " " + rawURL
}

// Start brings the manager to the configured generation. A matching stored
// generation is activated as is. A newer configured generation is
// installed and activated, purging the old one. If that install fails
// while an older generation exists, the manager keeps serving the older
// generation.
func (m *Manager) Start(ctx context.Context) error {
	stored, err := m.storage.CacheGeneration(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache generation: %w", err)
	}
	version := m.cfg.Version

	switch {
	case version < stored:
		return fmt.Errorf("%w: configured %d, stored %d", ErrGenerationRegression, version, stored)
	case version == stored:
		m.setState(StateInstalled)
		return m.Activate(ctx)
	}

	if err := m.Install(ctx); err != nil {
		if stored == 0 {
			return err
		}
		logger.Log.Warn("Cache install failed, keeping previous generation",
			zap.Int64("generation", stored),
			zap.Int64("version", version),
			zap.Error(err),
		)
		if _, perr := m.storage.PurgeGeneration(ctx, version); perr != nil {
			logger.Log.Error("Failed to discard staged cache entries", zap.Int64("generation", version), zap.Error(perr))
		}
		m.mu.Lock()
		m.generation = stored
		m.state = StateActive
		m.mu.Unlock()
		return nil
	}
	return m.Activate(ctx)
}

// Install fetches every manifest asset into the configured generation.
// Any failing asset fails the install and leaves the manager idle.
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("%w: install from %s", ErrInvalidState, m.state)
	}
	m.state = StateInstalling
	m.mu.Unlock()

	version := m.cfg.Version
	logger.Log.Info("Installing cache generation",
		zap.Int64("generation", version),
		zap.Int("assets", len(m.cfg.Manifest)),
	)

	for _, asset := range m.cfg.Manifest {
		if err := m.installAsset(ctx, version, asset); err != nil {
			m.setState(StateIdle)
			return fmt.Errorf("install generation %d: %s: %w", version, asset, err)
		}
	}

	m.setState(StateInstalled)
	return nil
}

func (m *Manager) installAsset(ctx context.Context, generation int64, asset string) error {
	target, err := m.resolve(asset)
	if err != nil {
		return err
	}
	res, err := m.fetch(ctx, target, nil)
	if err != nil {
		return err
	}
	defer res.close()
	if res.entry.Status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.entry.Status)
	}
	if !res.cacheable() {
		return fmt.Errorf("body exceeds %d bytes", m.cfg.MaxBodyBytes)
	}
	res.entry.Generation = generation
	return m.storage.PutCacheEntry(ctx, res.entry)
}

// Activate drops every other generation and starts intercepting requests
// right away.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInstalled {
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, m.state)
	}
	purged, err := m.storage.ActivateGeneration(ctx, m.cfg.Version)
	if err != nil {
		return fmt.Errorf("failed to activate generation %d: %w", m.cfg.Version, err)
	}
	m.generation = m.cfg.Version
	m.state = StateActive

	logger.Log.Info("Cache generation active",
		zap.Int64("generation", m.generation),
		zap.Int64("purged", purged),
	)
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) current() (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation, m.state == StateActive
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:      m.state,
		Generation: m.generation,
		Version:    m.cfg.Version,
		Manifest:   len(m.cfg.Manifest),
		Origin:     m.origin.String(),
	}
}

// Close stops the background refresh workers.
func (m *Manager) Close() {
	m.refresher.Stop()
}

func (m *Manager) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	return m.origin.ResolveReference(u), nil
}

// Fetch applies the GET policy to rawURL (absolute, or relative to the
// origin). Unlike ServeHTTP it returns the whole body in memory, including
// bodies too large to cache.
func (m *Manager) Fetch(ctx context.Context, rawURL string) (*store.CacheEntry, Source, error) {
	target, err := m.resolve(rawURL)
	if err != nil {
		return nil, "", err
	}
	res, src, err := m.get(ctx, target, nil)
	if err != nil {
		return nil, "", err
	}
	defer res.close()
	if res.stream != nil {
		body, err := io.ReadAll(res.stream)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
		}
		res.entry.Body = body
	}
	return res.entry, src, nil
}

// response is a GET result. When the upstream body exceeds MaxBodyBytes,
// entry.Body is nil and stream yields the full body instead.
type response struct {
	entry  *store.CacheEntry
	stream io.ReadCloser
}

func (r *response) cacheable() bool { return r.stream == nil }

func (r *response) close() {
	if r.stream != nil {
		r.stream.Close()
	}
}

// The caller must close the returned response.
func (m *Manager) get(ctx context.Context, target *url.URL, header http.Header) (*response, Source, error) {
	gen, active := m.current()
	if !active {
		res, err := m.fetch(ctx, target, header)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
		}
		return res, SourceNetwork, nil
	}

	key := RequestKey(http.MethodGet, target.String())
	cached, err := m.storage.GetCacheEntry(ctx, gen, key)
	if err != nil {
		logger.Log.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		cached = nil
	}
	if cached != nil {
		m.refresher.Submit(refreshJob{generation: gen, key: key, target: target, header: header})
		return &response{entry: cached}, SourceCache, nil
	}

	res, err := m.fetch(ctx, target, header)
	if err == nil {
		if res.entry.Status == http.StatusOK && res.cacheable() {
			res.entry.Generation = gen
			if err := m.storage.PutCacheEntry(ctx, res.entry); err != nil {
				logger.Log.Warn("Failed to store cache entry", zap.String("key", key), zap.Error(err))
			}
		}
		return res, SourceNetwork, nil
	}

	logger.Log.Debug("Network fetch failed", zap.String("url", target.String()), zap.Error(err))
	if m.fallbackURL != "" {
		fb, ferr := m.storage.GetCacheEntry(ctx, gen, RequestKey(http.MethodGet, m.fallbackURL))
		if ferr != nil {
			logger.Log.Warn("Fallback lookup failed", zap.Error(ferr))
		}
		if fb != nil {
			return &response{entry: fb}, SourceFallback, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s: %v", ErrResourceUnavailable, target, err)
}

// refresh runs on a refresher worker. The caller already has its response;
// failures are only logged.
func (m *Manager) refresh(ctx context.Context, job refreshJob) {
	res, err := m.fetch(ctx, job.target, job.header)
	if err != nil {
		logger.Log.Debug("Background refresh failed", zap.String("key", job.key), zap.Error(err))
		return
	}
	defer res.close()
	if res.entry.Status != http.StatusOK || !res.cacheable() {
		logger.Log.Debug("Background refresh not cacheable", zap.String("key", job.key), zap.Int("status", res.entry.Status))
		return
	}
	res.entry.Generation = job.generation
	if err := m.storage.PutCacheEntry(ctx, res.entry); err != nil {
		logger.Log.Warn("Background refresh store failed", zap.String("key", job.key), zap.Error(err))
	}
}

// fetch performs a network GET. A non-nil error means the network failed;
// any HTTP status is a successful fetch. At most MaxBodyBytes+1 bytes are
// buffered; a larger body is left open on the response stream.
func (m *Manager) fetch(ctx context.Context, target *url.URL, header http.Header) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, header)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, m.cfg.MaxBodyBytes+1))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	entry := &store.CacheEntry{
		Key:      RequestKey(http.MethodGet, target.String()),
		URL:      target.String(),
		Status:   resp.StatusCode,
		Header:   storableHeader(resp.Header),
		StoredAt: time.Now().UTC(),
	}
	if int64(len(head)) <= m.cfg.MaxBodyBytes {
		resp.Body.Close()
		entry.Body = head
		return &response{entry: entry}, nil
	}
	return &response{
		entry: entry,
		stream: struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body},
	}, nil
}
