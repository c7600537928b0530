package offline

import (
	"context"

	"go.uber.org/zap"

	"pos-offline-sync/internal/logger"
)

type LowStockAlert struct {
	ItemID    string  `json:"item_id"`
	Name      string  `json:"name"`
	Stock     float64 `json:"stock"`
	Threshold float64 `json:"threshold"`
}

// AlertSink receives business alerts raised from local state.
type AlertSink interface {
	LowStock(ctx context.Context, alert LowStockAlert)
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) LowStock(_ context.Context, a LowStockAlert) {
	logger.Log.Warn("Low stock",
		zap.String("item_id", a.ItemID),
		zap.String("name", a.Name),
		zap.Float64("stock", a.Stock),
		zap.Float64("threshold", a.Threshold),
	)
}
