package cache

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"pos-offline-sync/internal/logger"
)

type refreshJob struct {
	generation int64
	key        string
	target     *url.URL
	header     http.Header
}

// Refresher runs background cache refreshes on a fixed set of workers.
// Jobs are fire-and-forget: a full queue or a refresh already in flight
// for the same key drops the job.
type Refresher struct {
	workers []*refreshWorker
	jobs    chan refreshJob
	run     func(ctx context.Context, job refreshJob)
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewRefresher(workers, queueSize int, timeout time.Duration, run func(ctx context.Context, job refreshJob)) *Refresher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &Refresher{
		workers:  make([]*refreshWorker, workers),
		jobs:     make(chan refreshJob, queueSize),
		run:      run,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
	for i := 0; i < workers; i++ {
		p.workers[i] = &refreshWorker{id: i, pool: p}
	}
	return p
}

func (p *Refresher) Start() {
	logger.Log.Debug("Starting cache refresher", zap.Int("workers", len(p.workers)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

// Stop cancels in-flight refreshes and waits for the workers to exit.
func (p *Refresher) Stop() {
	p.cancel()
	p.wg.Wait()
	logger.Log.Debug("Stopped cache refresher")
}

// Submit queues job without blocking and reports whether it was accepted.
func (p *Refresher) Submit(job refreshJob) bool {
	if p.ctx.Err() != nil {
		return false
	}

	p.mu.Lock()
	if _, busy := p.inflight[job.key]; busy {
		p.mu.Unlock()
		return false
	}
	p.inflight[job.key] = struct{}{}
	p.mu.Unlock()

	select {
	case p.jobs <- job:
		return true
	default:
		p.done(job.key)
		logger.Log.Debug("Refresh queue full, dropping job", zap.String("key", job.key))
		return false
	}
}

func (p *Refresher) done(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

type refreshWorker struct {
	id   int
	pool *Refresher
}

func (w *refreshWorker) run() {
	defer w.pool.wg.Done()

	for {
		select {
		case job := <-w.pool.jobs:
			ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.timeout)
			w.pool.run(ctx, job)
			cancel()
			w.pool.done(job.key)

		case <-w.pool.ctx.Done():
			return
		}
	}
}
