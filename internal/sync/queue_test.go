package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/store"
)

// scriptedSender answers per record id; unknown ids are acknowledged.
type scriptedSender struct {
	mu      sync.Mutex
	results map[string]error
	sent    []string
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{results: map[string]error{}}
}

func (s *scriptedSender) Name() string { return "scripted" }

func (s *scriptedSender) Send(_ context.Context, item *store.PendingItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, item.RecordID)
	return s.results[item.RecordID]
}

func (s *scriptedSender) set(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = err
}

func (s *scriptedSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "pos.db"), config.DefaultCollections)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQueue_FlushEmpty(t *testing.T) {
	q := NewQueue(newTestStore(t), newScriptedSender(), 10)
	res, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{}, res)
}

func TestQueue_FlushAckAndFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sender := newScriptedSender()
	sender.set("t2", &NetworkError{Op: "send", Err: errors.New("connection reset")})
	q := NewQueue(st, sender, 10)

	_, err := q.Enqueue(ctx, "transactions", store.Record{"id": "t1", "total": 12.5})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "transactions", store.Record{"id": "t2", "total": 3})
	require.NoError(t, err)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Confirmed: 1, Failed: 1}, res)

	items, err := st.ListPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "t2", items[0].RecordID)
	assert.JSONEq(t, `{"id":"t2","total":3}`, string(items[0].Data))

	sender.set("t2", nil)
	res, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Confirmed: 1}, res)

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_FlushKeepsEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	sender := newScriptedSender()
	q := NewQueue(newTestStore(t), sender, 2)

	for _, id := range []string{"c1", "c2", "c1", "c3", "c2"} {
		_, err := q.Enqueue(ctx, "customers", store.Record{"id": id})
		require.NoError(t, err)
	}

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Confirmed)
	assert.Equal(t, []string{"c1", "c2", "c1", "c3", "c2"}, sender.sentIDs())
}

func TestQueue_FailedItemsDoNotBlockLaterBatches(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sender := newScriptedSender()
	sender.set("m1", &NetworkError{Op: "send", Err: errors.New("timeout")})
	sender.set("m2", errors.New("unclassified"))
	q := NewQueue(st, sender, 1)

	for i := 1; i <= 4; i++ {
		_, err := q.Enqueue(ctx, "menuItems", store.Record{"id": fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Confirmed: 2, Failed: 2}, res)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, sender.sentIDs())

	n, err := st.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQueue_RejectedItemsMoveToConflicts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sender := newScriptedSender()
	sender.set("t1", fmt.Errorf("%w: status 409: stale", ErrItemRejected))
	q := NewQueue(st, sender, 10)

	_, err := q.Enqueue(ctx, "transactions", store.Record{"id": "t1"})
	require.NoError(t, err)

	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Failed: 1, Rejected: 1}, res)

	n, err := st.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	conflicts, err := st.ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "transactions", conflicts[0].Collection)
	assert.Equal(t, "t1", conflicts[0].RecordID)
	assert.Contains(t, conflicts[0].Reason, "stale")
}

func TestQueue_NoRemote(t *testing.T) {
	q := NewQueue(newTestStore(t), nil, 10)
	_, err := q.Flush(context.Background())
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestQueue_EnqueueInvalidRecord(t *testing.T) {
	q := NewQueue(newTestStore(t), newScriptedSender(), 10)
	_, err := q.Enqueue(context.Background(), "customers", store.Record{"name": "no id"})
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func TestQueue_CancelledFlushKeepsItems(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st, newScriptedSender(), 10)
	_, err := q.Enqueue(context.Background(), "customers", store.Record{"id": "c1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Flush(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	n, err := st.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManager_FlushRecordsHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sender := newScriptedSender()
	sender.set("t2", &NetworkError{Op: "send", Err: errors.New("offline")})
	m := NewManager(config.SyncConfig{BatchSize: 10}, config.SchedulerConfig{}, st, sender)

	_, err := m.Enqueue(ctx, "transactions", store.Record{"id": "t1"})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "transactions", store.Record{"id": "t2"})
	require.NoError(t, err)

	res, err := m.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Confirmed: 1, Failed: 1}, res)

	history, err := m.History(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "completed", history[0].Status)
	assert.Equal(t, 1, history[0].Confirmed)
	assert.Equal(t, 1, history[0].Failed)
	assert.NotNil(t, history[0].CompletedAt)

	report, err := m.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, report.Status)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, "scripted", report.Remote)
	require.NotNil(t, report.LastFlush)
	assert.Equal(t, history[0].ID, report.LastFlush.ID)
}

func TestManager_EmptyFlushLeavesNoHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sender := newScriptedSender()
	m := NewManager(config.SyncConfig{BatchSize: 10}, config.SchedulerConfig{}, st, sender)

	for i := 0; i < 3; i++ {
		res, err := m.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, FlushResult{}, res)
	}

	history, err := m.History(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = m.Enqueue(ctx, "transactions", store.Record{"id": "t1"})
	require.NoError(t, err)
	_, err = m.Flush(ctx)
	require.NoError(t, err)
	_, err = m.Flush(ctx)
	require.NoError(t, err)

	history, err = m.History(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1, "only the flush that had work is recorded")
	assert.Equal(t, 1, history[0].Confirmed)
}

func TestManager_StartStop(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(config.SyncConfig{}, config.SchedulerConfig{Enabled: true, Interval: "@every 1h"}, st, newScriptedSender())

	require.NoError(t, m.Start())
	assert.Equal(t, StatusRunning, m.GetStatus())
	assert.Error(t, m.Start())

	m.Stop()
	assert.Equal(t, StatusIdle, m.GetStatus())
	m.Stop()
}

func TestManager_StartRejectsBadInterval(t *testing.T) {
	m := NewManager(config.SyncConfig{}, config.SchedulerConfig{Enabled: true, Interval: "every so often"}, newTestStore(t), newScriptedSender())
	assert.Error(t, m.Start())
	assert.Equal(t, StatusIdle, m.GetStatus())
}

func TestManager_StartWithoutRemote(t *testing.T) {
	m := NewManager(config.SyncConfig{}, config.SchedulerConfig{Enabled: true, Interval: "@every 1h"}, newTestStore(t), nil)
	assert.ErrorIs(t, m.Start(), ErrNoRemote)
}

func TestScheduler_FlushesOnInterval(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sender := newScriptedSender()
	m := NewManager(config.SyncConfig{}, config.SchedulerConfig{Enabled: true, Interval: "@every 1s"}, st, sender)

	_, err := m.Enqueue(ctx, "customers", store.Record{"id": "c1"})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Eventually(t, func() bool {
		n, err := st.CountPending(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestLazySender_RetriesConnect(t *testing.T) {
	ctx := context.Background()
	inner := newScriptedSender()
	attempts := 0
	l := NewLazySender("scripted", func(context.Context) (Sender, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("connection refused")
		}
		return inner, nil
	})
	item := &store.PendingItem{Collection: "customers", RecordID: "c1"}

	err := l.Send(ctx, item)
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)

	require.NoError(t, l.Send(ctx, item))
	require.NoError(t, l.Send(ctx, item))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []string{"c1", "c1"}, inner.sentIDs())
	assert.NoError(t, l.Close())
}
