package sync

import (
	"errors"
	"fmt"

	"pos-offline-sync/internal/store"
)

var (
	// ErrItemRejected marks an explicit refusal by the remote. The item is
	// moved from the queue to the conflict ledger.
	ErrItemRejected = errors.New("sync item rejected by remote")
	ErrNoRemote     = errors.New("no remote sync target configured")
)

// NetworkError is a transport failure or a retryable remote status. The
// item stays queued.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FlushResult counts the outcome of one flush. Rejected items are also
// counted in Failed.
type FlushResult struct {
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusFlushing Status = "flushing"
)

type StatusReport struct {
	Status    Status             `json:"status"`
	Pending   int                `json:"pending"`
	Remote    string             `json:"remote"`
	LastFlush *store.SyncHistory `json:"last_flush,omitempty"`
}
