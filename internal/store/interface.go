package store

import (
	"context"
	"encoding/json"
)

type Store interface {
	// Records
	Collections() []string
	Put(ctx context.Context, collection string, rec Record) error
	PutMany(ctx context.Context, collection string, recs []Record) error
	Get(ctx context.Context, collection, id string) (Record, error)
	GetAll(ctx context.Context, collection string) ([]Record, error)

	// Pending sync queue
	EnqueuePending(ctx context.Context, item *PendingItem) error
	// ListPending returns up to limit items with Seq > afterSeq, oldest first.
	ListPending(ctx context.Context, afterSeq int64, limit int) ([]*PendingItem, error)
	CountPending(ctx context.Context) (int, error)
	DeletePending(ctx context.Context, seq int64) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id string) error

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// Settings
	GetSettings(ctx context.Context) (json.RawMessage, error)
	PutSettings(ctx context.Context, settings json.RawMessage) error

	CacheStore

	// General
	Close() error
}

// CacheStore persists cache entries partitioned by generation.
type CacheStore interface {
	// CacheGeneration returns the active generation, 0 when none was
	// ever activated.
	CacheGeneration(ctx context.Context) (int64, error)
	GetCacheEntry(ctx context.Context, generation int64, key string) (*CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *CacheEntry) error
	// ActivateGeneration deletes every entry of every other generation
	// and records generation as active, atomically.
	ActivateGeneration(ctx context.Context, generation int64) (int64, error)
	PurgeGeneration(ctx context.Context, generation int64) (int64, error)
}
