package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/database"
	"pos-offline-sync/internal/store"
)

const createSyncRecords = `CREATE TABLE IF NOT EXISTS sync_records (
	collection VARCHAR(128) NOT NULL,
	record_id  VARCHAR(255) NOT NULL,
	data       JSON NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	PRIMARY KEY (collection, record_id)
)`

const upsertSyncRecord = `INSERT INTO sync_records (collection, record_id, data, updated_at)
	VALUES (?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`

// MySQL errors that no retry can fix.
var rejectedMySQLErrors = map[uint16]bool{
	1366: true, // incorrect value
	1406: true, // data too long
	3140: true, // invalid JSON
}

// MySQLSender writes items straight into a remote MySQL table.
type MySQLSender struct {
	db *database.Database
}

func NewMySQLSender(ctx context.Context, cfg config.DatabaseConnection) (*MySQLSender, error) {
	db, err := database.NewDatabase(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to remote mysql: %w", err)
	}
	if _, err := db.DB.ExecContext(ctx, createSyncRecords); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sync_records: %w", err)
	}
	return &MySQLSender{db: db}, nil
}

func (s *MySQLSender) Name() string {
	return "mysql"
}

func (s *MySQLSender) Send(ctx context.Context, item *store.PendingItem) error {
	_, err := s.db.DB.ExecContext(ctx, upsertSyncRecord,
		item.Collection, item.RecordID, string(item.Data), time.Now().UTC(),
	)
	return classifyMySQLError(err)
}

func classifyMySQLError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && rejectedMySQLErrors[myErr.Number] {
		return fmt.Errorf("%w: %v", ErrItemRejected, myErr)
	}
	return &NetworkError{Op: "mysql upsert", Err: err}
}

func (s *MySQLSender) Close() error {
	return s.db.Close()
}
