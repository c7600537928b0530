package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/store"
)

// Sender delivers one pending item to the remote. nil means the remote
// acknowledged it.
type Sender interface {
	Send(ctx context.Context, item *store.PendingItem) error
	Name() string
}

// HTTPSender pushes items to a sync server with
// PUT {base}/collections/{collection}/items/{id}.
type HTTPSender struct {
	base   *url.URL
	token  string
	client *http.Client
}

func NewHTTPSender(cfg config.RemoteConfig) (*HTTPSender, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid remote base_url %q", cfg.BaseURL)
	}
	return &HTTPSender{
		base:   base,
		token:  cfg.AuthToken,
		client: &http.Client{Timeout: cfg.GetTimeout()},
	}, nil
}

func (s *HTTPSender) Name() string {
	return "http"
}

func (s *HTTPSender) itemURL(item *store.PendingItem) string {
	return s.base.String() + "/collections/" + url.PathEscape(item.Collection) + "/items/" + url.PathEscape(item.RecordID)
}

func (s *HTTPSender) Send(ctx context.Context, item *store.PendingItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.itemURL(item), bytes.NewReader(item.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &NetworkError{Op: "send", Err: err}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", ErrItemRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return &NetworkError{Op: "send", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}
