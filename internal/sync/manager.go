package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/logger"
	"pos-offline-sync/internal/store"
)

// Manager owns the queue, the conflict ledger and the flush schedule.
type Manager struct {
	store     store.Store
	sender    Sender
	queue     *Queue
	conflicts *ConflictManager
	scheduler *Scheduler

	mu       sync.Mutex
	running  bool
	flushing int
}

func NewManager(cfg config.SyncConfig, schedCfg config.SchedulerConfig, st store.Store, sender Sender) *Manager {
	m := &Manager{
		store:     st,
		sender:    sender,
		queue:     NewQueue(st, sender, cfg.BatchSize),
		conflicts: NewConflictManager(st),
	}
	m.scheduler = NewScheduler(schedCfg, m)
	return m
}

func (m *Manager) Enqueue(ctx context.Context, collection string, rec store.Record) (*store.PendingItem, error) {
	return m.queue.Enqueue(ctx, collection, rec)
}

// Flush runs one flush and records it in the sync history. An empty
// queue is a no-op and leaves no history row.
func (m *Manager) Flush(ctx context.Context) (FlushResult, error) {
	if m.sender != nil {
		if n, err := m.queue.Pending(ctx); err == nil && n == 0 {
			logger.Log.Debug("Sync flush skipped, queue is empty")
			return FlushResult{}, nil
		}
	}

	m.mu.Lock()
	m.flushing++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.flushing--
		m.mu.Unlock()
	}()

	history := &store.SyncHistory{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Status:    "running",
	}
	if err := m.store.CreateSyncHistory(ctx, history); err != nil {
		logger.Log.Warn("Failed to record sync start", zap.Error(err))
		history = nil
	}

	res, err := m.queue.Flush(ctx)

	if history != nil {
		completed := time.Now().UTC()
		history.CompletedAt = &completed
		history.Confirmed = res.Confirmed
		history.Failed = res.Failed
		history.Rejected = res.Rejected
		history.Status = "completed"
		if err != nil {
			history.Status = "failed"
			history.ErrorMessage = err.Error()
		}
		if uerr := m.store.UpdateSyncHistory(context.WithoutCancel(ctx), history); uerr != nil {
			logger.Log.Warn("Failed to record sync result", zap.Error(uerr))
		}
	}

	logger.Log.Info("Sync flush finished",
		zap.Int("confirmed", res.Confirmed),
		zap.Int("failed", res.Failed),
		zap.Int("rejected", res.Rejected),
		zap.Error(err),
	)
	return res, err
}

// Start enables the scheduled flush.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("sync is already running")
	}
	if m.sender == nil {
		return ErrNoRemote
	}

	logger.Log.Info("Starting sync manager", zap.String("remote", m.sender.Name()))
	if err := m.scheduler.Start(); err != nil {
		return err
	}
	m.running = true
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	logger.Log.Info("Stopping sync manager")
	m.scheduler.Stop()
}

func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.flushing > 0:
		return StatusFlushing
	case m.running:
		return StatusRunning
	default:
		return StatusIdle
	}
}

func (m *Manager) Report(ctx context.Context) (*StatusReport, error) {
	pending, err := m.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Status: m.GetStatus(), Pending: pending, Remote: "none"}
	if m.sender != nil {
		report.Remote = m.sender.Name()
	}
	last, err := m.store.GetSyncHistory(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		report.LastFlush = last[0]
	}
	return report, nil
}

func (m *Manager) Conflicts() *ConflictManager {
	return m.conflicts
}

func (m *Manager) History(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error) {
	return m.store.GetSyncHistory(ctx, limit, offset)
}
