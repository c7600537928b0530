package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos-offline-sync/internal/logger"
	"pos-offline-sync/internal/store"
)

const defaultBatchSize = 500

// Queue is the durable outbox of local writes. Items are sent in enqueue
// order and leave the queue only when the remote acknowledges or refuses
// them.
type Queue struct {
	store     store.Store
	sender    Sender
	conflicts *ConflictManager
	batchSize int

	mu sync.Mutex
}

func NewQueue(st store.Store, sender Sender, batchSize int) *Queue {
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	return &Queue{
		store:     st,
		sender:    sender,
		conflicts: NewConflictManager(st),
		batchSize: batchSize,
	}
}

// Enqueue appends a snapshot of rec. Several items for the same record
// are kept and sent in order.
func (q *Queue) Enqueue(ctx context.Context, collection string, rec store.Record) (*store.PendingItem, error) {
	id, err := rec.ID()
	if err != nil {
		return nil, &store.Error{Op: "enqueue", Collection: collection, Err: err}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, &store.Error{Op: "enqueue", Collection: collection, Err: err}
	}

	item := &store.PendingItem{
		ID:         uuid.New().String(),
		Collection: collection,
		RecordID:   id,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
	if err := q.store.EnqueuePending(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.store.CountPending(ctx)
}

// Flush sends every pending item once. A failed item stays queued and the
// flush moves on; a store failure or cancelled ctx ends the flush early
// with the counts so far.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res FlushResult
	if q.sender == nil {
		return res, ErrNoRemote
	}

	var after int64
	for {
		items, err := q.store.ListPending(ctx, after, q.batchSize)
		if err != nil {
			return res, err
		}
		if len(items) == 0 {
			return res, nil
		}

		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			after = item.Seq
			if err := q.sendOne(ctx, item, &res); err != nil {
				return res, err
			}
		}
	}
}

func (q *Queue) sendOne(ctx context.Context, item *store.PendingItem, res *FlushResult) error {
	err := q.sender.Send(ctx, item)
	switch {
	case err == nil:
		if err := q.store.DeletePending(ctx, item.Seq); err != nil {
			return err
		}
		res.Confirmed++

	case errors.Is(err, ErrItemRejected):
		logger.Log.Warn("Sync item rejected",
			zap.String("collection", item.Collection),
			zap.String("record_id", item.RecordID),
			zap.Error(err),
		)
		if _, ferr := q.conflicts.Flag(ctx, item, err.Error()); ferr != nil {
			return ferr
		}
		if derr := q.store.DeletePending(ctx, item.Seq); derr != nil {
			return derr
		}
		res.Failed++
		res.Rejected++

	default:
		logger.Log.Debug("Sync item failed, keeping it queued",
			zap.String("collection", item.Collection),
			zap.String("record_id", item.RecordID),
			zap.Error(err),
		)
		res.Failed++
	}
	return nil
}
