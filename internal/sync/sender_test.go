package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/store"
)

func testItem() *store.PendingItem {
	return &store.PendingItem{
		Seq:        1,
		ID:         "item-1",
		Collection: "menuItems",
		RecordID:   "m 1",
		Data:       json.RawMessage(`{"id":"m 1","stock":3}`),
		CreatedAt:  time.Now(),
	}
}

func TestHTTPSender_Send(t *testing.T) {
	var gotPath, gotAuth, gotKey, gotBody, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		gotBody = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(config.RemoteConfig{BaseURL: srv.URL + "/", AuthToken: "secret"})
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), testItem()))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/collections/menuItems/items/m%201", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "item-1", gotKey)
	assert.JSONEq(t, `{"id":"m 1","stock":3}`, gotBody)
}

func TestHTTPSender_StatusMapping(t *testing.T) {
	cases := []struct {
		status   int
		rejected bool
		network  bool
	}{
		{http.StatusOK, false, false},
		{http.StatusCreated, false, false},
		{http.StatusBadRequest, true, false},
		{http.StatusConflict, true, false},
		{http.StatusUnprocessableEntity, true, false},
		{http.StatusUnauthorized, false, true},
		{http.StatusTooManyRequests, false, true},
		{http.StatusInternalServerError, false, true},
		{http.StatusServiceUnavailable, false, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			s, err := NewHTTPSender(config.RemoteConfig{BaseURL: srv.URL})
			require.NoError(t, err)
			err = s.Send(context.Background(), testItem())

			var netErr *NetworkError
			assert.Equal(t, tc.rejected, errors.Is(err, ErrItemRejected))
			assert.Equal(t, tc.network, errors.As(err, &netErr))
			if !tc.rejected && !tc.network {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPSender_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewHTTPSender(config.RemoteConfig{BaseURL: url, Timeout: "1s"})
	require.NoError(t, err)

	err = s.Send(context.Background(), testItem())
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "send", netErr.Op)
}

func TestNewHTTPSender_InvalidBaseURL(t *testing.T) {
	_, err := NewHTTPSender(config.RemoteConfig{BaseURL: "sync.local/api"})
	assert.Error(t, err)
}

func TestClassifyMySQLError(t *testing.T) {
	assert.NoError(t, classifyMySQLError(nil))
	assert.ErrorIs(t, classifyMySQLError(&mysql.MySQLError{Number: 3140, Message: "Invalid JSON text"}), ErrItemRejected)

	var netErr *NetworkError
	assert.ErrorAs(t, classifyMySQLError(mysql.ErrInvalidConn), &netErr)
	assert.ErrorAs(t, classifyMySQLError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout"}), &netErr)
}

func TestMongoDocument(t *testing.T) {
	doc, err := mongoDocument(testItem())
	require.NoError(t, err)
	assert.Equal(t, "m 1", doc["_id"])
	assert.EqualValues(t, 3, doc["stock"])

	_, err = mongoDocument(&store.PendingItem{RecordID: "x", Data: json.RawMessage(`not json`)})
	assert.ErrorIs(t, err, ErrItemRejected)
}

func TestMySQLSender_Integration(t *testing.T) {
	host := os.Getenv("POS_TEST_MYSQL_HOST")
	if host == "" {
		t.Skip("POS_TEST_MYSQL_HOST not set")
	}
	ctx := context.Background()
	s, err := NewMySQLSender(ctx, config.DatabaseConnection{
		Host:     host,
		Port:     3306,
		User:     "root",
		Password: os.Getenv("POS_TEST_MYSQL_PASSWORD"),
		Database: "pos_sync_test",
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(ctx, testItem()))
	require.NoError(t, s.Send(ctx, testItem()))

	var data string
	err = s.db.DB.QueryRowContext(ctx,
		"SELECT data FROM sync_records WHERE collection = ? AND record_id = ?", "menuItems", "m 1",
	).Scan(&data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"m 1","stock":3}`, data)
}

func TestMongoSender_Integration(t *testing.T) {
	uri := os.Getenv("POS_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("POS_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := NewMongoSender(ctx, config.MongoConfig{URI: uri, Database: "pos_sync_test"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(ctx, testItem()))
	require.NoError(t, s.Send(ctx, testItem()))

	n, err := s.db.Collection("menuItems").CountDocuments(ctx, map[string]string{"_id": "m 1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
