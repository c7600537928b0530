package cache

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"pos-offline-sync/internal/logger"
	"pos-offline-sync/internal/store"
)

// Hop-by-hop headers are never forwarded or stored. Content-Length is
// recomputed on write and Set-Cookie must not be replayed from cache.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func storableHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	copyHeader(out, h)
	out.Del("Content-Length")
	out.Del("Set-Cookie")
	return out
}

// ServeHTTP is the fetch hook. Non-GET requests, and every request before
// a generation is active, are proxied without touching the cache.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := m.resolve(r.URL.RequestURI())
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if _, active := m.current(); r.Method != http.MethodGet || !active {
		m.passThrough(w, r, target)
		return
	}

	res, src, err := m.get(r.Context(), target, forwardHeader(r.Header))
	if err != nil {
		if !errors.Is(err, ErrResourceUnavailable) {
			logger.Log.Warn("Cache fetch failed", zap.String("url", target.String()), zap.Error(err))
		}
		http.Error(w, ErrResourceUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}
	defer res.close()
	if res.stream != nil {
		writeStream(w, res, src)
		return
	}
	writeEntry(w, res.entry, src)
}

// forwardHeader keeps the request headers that shape the upstream
// response. Conditional headers are dropped so the cache always receives
// a full body.
func forwardHeader(h http.Header) http.Header {
	out := make(http.Header)
	copyHeader(out, h)
	out.Del("If-None-Match")
	out.Del("If-Modified-Since")
	out.Del("Cookie")
	return out
}

func writeEntry(w http.ResponseWriter, e *store.CacheEntry, src Source) {
	for k, vv := range e.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", string(src))
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Body)))
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}

// writeStream relays a body too large to cache without buffering it.
func writeStream(w http.ResponseWriter, res *response, src Source) {
	for k, vv := range res.entry.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", string(src))
	w.WriteHeader(res.entry.Status)
	if _, err := io.Copy(w, res.stream); err != nil {
		logger.Log.Debug("Streamed response aborted", zap.String("url", res.entry.URL), zap.Error(err))
	}
}

func (m *Manager) passThrough(w http.ResponseWriter, r *http.Request, target *url.URL) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeader(out.Header, r.Header)
	out.ContentLength = r.ContentLength

	resp, err := m.client.Do(out)
	if err != nil {
		logger.Log.Debug("Pass-through request failed",
			zap.String("method", r.Method),
			zap.String("url", target.String()),
			zap.Error(err),
		)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Log.Debug("Pass-through copy aborted", zap.String("url", target.String()), zap.Error(err))
	}
}
