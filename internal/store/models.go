package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Record is a locally persisted entity. "id" is required; every other
// field is domain data owned by the caller.
type Record map[string]any

// ID returns the record key. Integer ids and their decimal string form
// map to the same key.
func (r Record) ID() (string, error) {
	v, ok := r["id"]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	return NormalizeID(v)
}

// NormalizeID converts a string or integral number into a record key.
func NormalizeID(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("%w: empty id", ErrInvalidRecord)
		}
		return id, nil
	case float64:
		if math.IsInf(id, 0) || math.IsNaN(id) || id != math.Trunc(id) {
			return "", fmt.Errorf("%w: id %v is not an integer", ErrInvalidRecord, id)
		}
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	case float32:
		return NormalizeID(float64(id))
	case int:
		return strconv.Itoa(id), nil
	case int32:
		return strconv.FormatInt(int64(id), 10), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case uint:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint64:
		return strconv.FormatUint(id, 10), nil
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return strconv.FormatInt(n, 10), nil
		}
		f, err := id.Float64()
		if err != nil || f > math.MaxInt64 || f < math.MinInt64 {
			return "", fmt.Errorf("%w: id %s is not an integer", ErrInvalidRecord, id)
		}
		return NormalizeID(f)
	default:
		return "", fmt.Errorf("%w: id of type %T", ErrInvalidRecord, v)
	}
}

// UnmarshalJSON decodes numbers as json.Number so integers beyond 2^53
// keep their exact value.
func (r *Record) UnmarshalJSON(b []byte) error {
	rec, err := decodeRecord(b)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

func decodeRecord(b []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// Number reads a numeric field, treating a missing or non-numeric value
// as zero.
func (r Record) Number(field string) float64 {
	switch n := r[field].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

// String reads a string field, empty when missing.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Clone returns a shallow copy safe to mutate at the top level.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// PendingItem is a local write waiting for remote confirmation. Seq
// orders items by enqueue time.
type PendingItem struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	RecordID   string          `json:"record_id"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Conflict records a pending item the remote refused.
type Conflict struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	RecordID   string          `json:"record_id"`
	LocalData  json.RawMessage `json:"local_data"`
	Reason     string          `json:"reason"`
	DetectedAt time.Time       `json:"detected_at"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

type SyncHistory struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Confirmed    int        `json:"confirmed"`
	Failed       int        `json:"failed"`
	Rejected     int        `json:"rejected"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// CacheEntry is a captured GET response. Key is the request identity
// ("GET <absolute url>"); at most one entry exists per Key per Generation.
type CacheEntry struct {
	Generation int64       `json:"generation"`
	Key        string      `json:"key"`
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}
