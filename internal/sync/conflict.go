package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pos-offline-sync/internal/store"
)

// ConflictManager keeps the ledger of items the remote refused. Flagged
// items are off the queue; an operator resolves them by hand.
type ConflictManager struct {
	store store.Store
}

func NewConflictManager(store store.Store) *ConflictManager {
	return &ConflictManager{
		store: store,
	}
}

func (cm *ConflictManager) Flag(ctx context.Context, item *store.PendingItem, reason string) (*store.Conflict, error) {
	conflict := &store.Conflict{
		ID:         uuid.New().String(),
		Collection: item.Collection,
		RecordID:   item.RecordID,
		LocalData:  item.Data,
		Reason:     reason,
		DetectedAt: time.Now().UTC(),
		Resolved:   false,
	}
	if err := cm.store.CreateConflict(ctx, conflict); err != nil {
		return nil, err
	}
	return conflict, nil
}

func (cm *ConflictManager) List(ctx context.Context, resolved bool, limit, offset int) ([]*store.Conflict, error) {
	return cm.store.ListConflicts(ctx, resolved, limit, offset)
}

func (cm *ConflictManager) Resolve(ctx context.Context, id string) error {
	return cm.store.ResolveConflict(ctx, id)
}
