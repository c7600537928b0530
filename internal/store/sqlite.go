package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"pos-offline-sync/internal/database"
)

const (
	metaCacheGeneration = "cache_generation"
	metaSettings        = "settings"
)

// SQLiteStore keeps every collection, the sync queue and the cache
// entries in one SQLite database.
//
// Tables:
//
//	records(collection, record_id, data)   PRIMARY KEY (collection, record_id)
//	sync_queue(seq, id, collection, ...)   seq AUTOINCREMENT
//	cache_entries(generation, request_key) PRIMARY KEY (generation, request_key)
type SQLiteStore struct {
	db          *database.Database
	collections map[string]struct{}
	closed      atomic.Bool
}

// NewSQLiteStore opens path and registers collections that are missing.
func NewSQLiteStore(ctx context.Context, path string, collections []string) (*SQLiteStore, error) {
	db, err := database.NewSQLiteDatabase(path)
	if err != nil {
		return nil, wrapErr("open", "", err)
	}
	s := &SQLiteStore{db: db, collections: make(map[string]struct{})}
	if err := s.ensureCollections(ctx, collections); err != nil {
		db.Close()
		return nil, wrapErr("open", "", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureCollections(ctx context.Context, names []string) error {
	now := time.Now().UTC()
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			if name == "" {
				return fmt.Errorf("%w: empty collection name", ErrUnknownCollection)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)",
				name, now,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	rows, err := s.db.DB.QueryContext(ctx, "SELECT name FROM collections")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		s.collections[name] = struct{}{}
	}
	return rows.Err()
}

func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Collections() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *SQLiteStore) checkCollection(collection string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, ok := s.collections[collection]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return nil
}

func encodeRecord(rec Record) (string, string, error) {
	id, err := rec.ID()
	if err != nil {
		return "", "", err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return id, string(b), nil
}

const upsertRecord = `INSERT INTO records (collection, record_id, data, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, record_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`

func (s *SQLiteStore) Put(ctx context.Context, collection string, rec Record) error {
	if err := s.checkCollection(collection); err != nil {
		return wrapErr("put", collection, err)
	}
	id, data, err := encodeRecord(rec)
	if err != nil {
		return wrapErr("put", collection, err)
	}
	_, err = s.db.DB.ExecContext(ctx, upsertRecord, collection, id, data, time.Now().UTC())
	return wrapErr("put", collection, err)
}

// PutMany upserts recs in a single transaction; either all are written or
// none.
func (s *SQLiteStore) PutMany(ctx context.Context, collection string, recs []Record) error {
	if err := s.checkCollection(collection); err != nil {
		return wrapErr("put", collection, err)
	}
	now := time.Now().UTC()
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertRecord)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, rec := range recs {
			id, data, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, collection, id, data, now); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr("put", collection, err)
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, wrapErr("get", collection, err)
	}
	var raw string
	err := s.db.DB.QueryRowContext(ctx,
		"SELECT data FROM records WHERE collection = ? AND record_id = ?",
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get", collection, err)
	}
	rec, err := decodeRecord([]byte(raw))
	if err != nil {
		return nil, wrapErr("get", collection, err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, wrapErr("getAll", collection, err)
	}
	rows, err := s.db.DB.QueryContext(ctx,
		"SELECT data FROM records WHERE collection = ? ORDER BY record_id",
		collection,
	)
	if err != nil {
		return nil, wrapErr("getAll", collection, err)
	}
	defer rows.Close()

	result := make([]Record, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapErr("getAll", collection, err)
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, wrapErr("getAll", collection, err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("getAll", collection, err)
	}
	return result, nil
}

func (s *SQLiteStore) EnqueuePending(ctx context.Context, item *PendingItem) error {
	if s.closed.Load() {
		return wrapErr("enqueue", item.Collection, ErrClosed)
	}
	res, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO sync_queue (id, collection, record_id, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.Collection, item.RecordID, string(item.Data), item.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapErr("enqueue", item.Collection, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return wrapErr("enqueue", item.Collection, err)
	}
	item.Seq = seq
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, afterSeq int64, limit int) ([]*PendingItem, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT seq, id, collection, record_id, data, created_at FROM sync_queue WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, wrapErr("listPending", "", err)
	}
	defer rows.Close()

	var items []*PendingItem
	for rows.Next() {
		var it PendingItem
		var data string
		if err := rows.Scan(&it.Seq, &it.ID, &it.Collection, &it.RecordID, &data, &it.CreatedAt); err != nil {
			return nil, wrapErr("listPending", "", err)
		}
		it.Data = json.RawMessage(data)
		items = append(items, &it)
	}
	return items, wrapErr("listPending", "", rows.Err())
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n)
	return n, wrapErr("countPending", "", err)
}

func (s *SQLiteStore) DeletePending(ctx context.Context, seq int64) error {
	_, err := s.db.DB.ExecContext(ctx, "DELETE FROM sync_queue WHERE seq = ?", seq)
	return wrapErr("deletePending", "", err)
}

func (s *SQLiteStore) CreateConflict(ctx context.Context, c *Conflict) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO conflicts (id, collection, record_id, local_data, reason, detected_at, resolved)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Collection, c.RecordID, string(c.LocalData), c.Reason, c.DetectedAt.UTC(), c.Resolved,
	)
	return wrapErr("createConflict", c.Collection, err)
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, collection, record_id, local_data, reason, detected_at, resolved, resolved_at
		 FROM conflicts WHERE resolved = ? ORDER BY detected_at ASC LIMIT ? OFFSET ?`,
		resolved, limit, offset,
	)
	if err != nil {
		return nil, wrapErr("listConflicts", "", err)
	}
	defer rows.Close()

	conflicts := make([]*Conflict, 0)
	for rows.Next() {
		var c Conflict
		var data string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Collection, &c.RecordID, &data, &c.Reason, &c.DetectedAt, &c.Resolved, &resolvedAt); err != nil {
			return nil, wrapErr("listConflicts", "", err)
		}
		c.LocalData = json.RawMessage(data)
		if resolvedAt.Valid {
			t := resolvedAt.Time
			c.ResolvedAt = &t
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, wrapErr("listConflicts", "", rows.Err())
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, id string) error {
	res, err := s.db.DB.ExecContext(ctx,
		"UPDATE conflicts SET resolved = TRUE, resolved_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return wrapErr("resolveConflict", "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("resolveConflict", "", fmt.Errorf("%w: conflict %s", ErrNotFound, id))
	}
	return nil
}

func (s *SQLiteStore) CreateSyncHistory(ctx context.Context, h *SyncHistory) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO sync_history (id, started_at, completed_at, confirmed, failed, rejected, status, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.StartedAt.UTC(), nullTime(h.CompletedAt), h.Confirmed, h.Failed, h.Rejected, h.Status, nullString(h.ErrorMessage),
	)
	return wrapErr("createSyncHistory", "", err)
}

func (s *SQLiteStore) UpdateSyncHistory(ctx context.Context, h *SyncHistory) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_history SET completed_at = ?, confirmed = ?, failed = ?, rejected = ?, status = ?, error_message = ? WHERE id = ?`,
		nullTime(h.CompletedAt), h.Confirmed, h.Failed, h.Rejected, h.Status, nullString(h.ErrorMessage), h.ID,
	)
	return wrapErr("updateSyncHistory", "", err)
}

func (s *SQLiteStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, started_at, completed_at, confirmed, failed, rejected, status, error_message
		 FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, wrapErr("getSyncHistory", "", err)
	}
	defer rows.Close()

	history := make([]*SyncHistory, 0)
	for rows.Next() {
		var h SyncHistory
		var completed sql.NullTime
		var msg sql.NullString
		if err := rows.Scan(&h.ID, &h.StartedAt, &completed, &h.Confirmed, &h.Failed, &h.Rejected, &h.Status, &msg); err != nil {
			return nil, wrapErr("getSyncHistory", "", err)
		}
		if completed.Valid {
			t := completed.Time
			h.CompletedAt = &t
		}
		h.ErrorMessage = msg.String
		history = append(history, &h)
	}
	return history, wrapErr("getSyncHistory", "", rows.Err())
}

func (s *SQLiteStore) getMeta(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.DB.QueryRowContext(ctx, "SELECT value FROM meta WHERE name = ?", name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

const upsertMeta = `INSERT INTO meta (name, value) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value`

func (s *SQLiteStore) GetSettings(ctx context.Context) (json.RawMessage, error) {
	v, ok, err := s.getMeta(ctx, metaSettings)
	if err != nil {
		return nil, wrapErr("getSettings", "", err)
	}
	if !ok {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(v), nil
}

func (s *SQLiteStore) PutSettings(ctx context.Context, settings json.RawMessage) error {
	settings = bytes.TrimSpace(settings)
	if len(settings) == 0 || bytes.Equal(settings, []byte("null")) {
		settings = json.RawMessage("{}")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(settings, &obj); err != nil {
		return wrapErr("putSettings", "", fmt.Errorf("%w: settings must be a JSON object", ErrInvalidRecord))
	}
	_, err := s.db.DB.ExecContext(ctx, upsertMeta, metaSettings, string(settings))
	return wrapErr("putSettings", "", err)
}

func (s *SQLiteStore) CacheGeneration(ctx context.Context) (int64, error) {
	v, ok, err := s.getMeta(ctx, metaCacheGeneration)
	if err != nil {
		return 0, wrapErr("cacheGeneration", "", err)
	}
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseInt(v, 10, 64)
	return gen, wrapErr("cacheGeneration", "", err)
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, generation int64, key string) (*CacheEntry, error) {
	e := CacheEntry{Generation: generation, Key: key}
	var header string
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT url, status, header, body, stored_at FROM cache_entries WHERE generation = ? AND request_key = ?`,
		generation, key,
	).Scan(&e.URL, &e.Status, &header, &e.Body, &e.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("getCacheEntry", "", err)
	}
	e.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, wrapErr("getCacheEntry", "", err)
	}
	return &e, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, e *CacheEntry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return wrapErr("putCacheEntry", "", err)
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO cache_entries (generation, request_key, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(generation, request_key) DO UPDATE SET
		 url = excluded.url, status = excluded.status, header = excluded.header,
		 body = excluded.body, stored_at = excluded.stored_at`,
		e.Generation, e.Key, e.URL, e.Status, string(header), body, e.StoredAt.UTC(),
	)
	return wrapErr("putCacheEntry", "", err)
}

func (s *SQLiteStore) ActivateGeneration(ctx context.Context, generation int64) (int64, error) {
	var purged int64
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE generation != ?", generation)
		if err != nil {
			return err
		}
		purged, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx, upsertMeta, metaCacheGeneration, strconv.FormatInt(generation, 10))
		return err
	})
	return purged, wrapErr("activateGeneration", "", err)
}

func (s *SQLiteStore) PurgeGeneration(ctx context.Context, generation int64) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx, "DELETE FROM cache_entries WHERE generation = ?", generation)
	if err != nil {
		return 0, wrapErr("purgeGeneration", "", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
