package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"pos-offline-sync/internal/logger"
	"pos-offline-sync/internal/store"
)

// Backup is the interchange document written by Export and read by
// Import.
type Backup struct {
	Menu         []store.Record  `json:"menu"`
	Transactions []store.Record  `json:"transactions"`
	Customers    []store.Record  `json:"customers"`
	Settings     json.RawMessage `json:"settings"`
}

func BackupFileName(t time.Time) string {
	return "pos_backup_" + t.Format("2006-01-02") + ".json"
}

// Export reads every collection and the settings. A failed read is logged
// and exported empty; it never aborts the export.
func (c *Coordinator) Export(ctx context.Context) (*Backup, error) {
	st, err := c.ready()
	if err != nil {
		return nil, err
	}

	b := &Backup{
		Menu:         exportCollection(ctx, st, CollectionMenu),
		Transactions: exportCollection(ctx, st, CollectionTransactions),
		Customers:    exportCollection(ctx, st, CollectionCustomers),
	}
	settings, err := st.GetSettings(ctx)
	if err != nil {
		logger.Log.Warn("Export: settings unreadable, exporting empty settings", zap.Error(err))
		settings = json.RawMessage("{}")
	}
	b.Settings = settings
	return b, nil
}

func exportCollection(ctx context.Context, st store.Store, collection string) []store.Record {
	recs, err := st.GetAll(ctx, collection)
	if err != nil {
		logger.Log.Warn("Export: collection unreadable, exporting it empty",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return []store.Record{}
	}
	return recs
}

// Import restores a backup, one transaction per collection. Restored
// records are not queued for sync. Missing or null settings leave the
// current settings untouched.
func (c *Coordinator) Import(ctx context.Context, b *Backup) error {
	st, err := c.ready()
	if err != nil {
		return err
	}

	parts := []struct {
		collection string
		records    []store.Record
	}{
		{CollectionMenu, b.Menu},
		{CollectionTransactions, b.Transactions},
		{CollectionCustomers, b.Customers},
	}
	for _, p := range parts {
		if len(p.records) == 0 {
			continue
		}
		if err := st.PutMany(ctx, p.collection, p.records); err != nil {
			return err
		}
	}
	if settings := bytes.TrimSpace(b.Settings); len(settings) > 0 && !bytes.Equal(settings, []byte("null")) {
		if err := st.PutSettings(ctx, settings); err != nil {
			return err
		}
	}

	logger.Log.Info("Backup imported",
		zap.Int("menu", len(b.Menu)),
		zap.Int("transactions", len(b.Transactions)),
		zap.Int("customers", len(b.Customers)),
	)
	return nil
}
