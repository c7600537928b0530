package sync

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"pos-offline-sync/internal/logger"
	"pos-offline-sync/internal/store"
)

// LazySender connects to the remote on first use and retries the
// connection on every later Send until it succeeds. A till can start
// offline and still sync once the remote comes back.
type LazySender struct {
	name    string
	connect func(ctx context.Context) (Sender, error)

	mu     sync.Mutex
	sender Sender
}

func NewLazySender(name string, connect func(ctx context.Context) (Sender, error)) *LazySender {
	return &LazySender{name: name, connect: connect}
}

func (l *LazySender) Name() string {
	return l.name
}

func (l *LazySender) get(ctx context.Context) (Sender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender != nil {
		return l.sender, nil
	}
	s, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Connected to remote", zap.String("remote", l.name))
	l.sender = s
	return s, nil
}

func (l *LazySender) Send(ctx context.Context, item *store.PendingItem) error {
	s, err := l.get(ctx)
	if err != nil {
		return &NetworkError{Op: "connect " + l.name, Err: err}
	}
	return s.Send(ctx, item)
}

func (l *LazySender) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.sender.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
