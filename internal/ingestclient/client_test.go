package ingestclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provsight-systems/provsight-agent/internal/models"
)

func TestIngestBatchSendsGzipWithDeviceAuth(t *testing.T) {
	var gotBatch BatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/ingest", r.URL.Path)
		assert.Equal(t, "Device secret-123", r.Header.Get("Authorization"))
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(zr).Decode(&gotBatch))

		json.NewEncoder(w).Encode(BatchResponse{AcceptedIDs: []string{"ev-1", "ev-2"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-123", 5*time.Second)
	resp, err := c.IngestBatch(context.Background(), "batch-1", []models.Event{
		{ID: "ev-1", SessionID: "s", Sequence: 1, Type: models.TypeLogEntry},
		{ID: "ev-2", SessionID: "s", Sequence: 2, Type: models.TypeLogEntry},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ev-1", "ev-2"}, resp.AcceptedIDs)
	assert.Equal(t, "batch-1", gotBatch.BatchID)
	require.Len(t, gotBatch.Events, 2)
	assert.Equal(t, uint64(2), gotBatch.Events[1].Sequence)
}

func TestStatusTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantAuth  bool
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, true, false},
		{"forbidden", http.StatusForbidden, true, false},
		{"bad request", http.StatusBadRequest, false, false},
		{"too large", http.StatusRequestEntityTooLarge, false, false},
		{"server error", http.StatusInternalServerError, false, true},
		{"unavailable", http.StatusServiceUnavailable, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
			}))
			defer srv.Close()

			c := New(srv.URL, "cred", 5*time.Second)
			_, err := c.IngestBatch(context.Background(), "b", nil)
			require.Error(t, err)

			assert.Equal(t, tt.wantAuth, errors.Is(err, ErrAuthRejected))
			assert.Equal(t, tt.retryable, Retryable(err))
			if !tt.wantAuth {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.status, se.Code)
				assert.Equal(t, "nope", se.Body)
			}
		})
	}
}

func TestRetryableTransportError(t *testing.T) {
	c := New("http://127.0.0.1:0", "cred", time.Second)
	_, err := c.IngestBatch(context.Background(), "b", nil)
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.True(t, Retryable(errors.New("connection reset")))
	assert.False(t, Retryable(nil))
}

func TestFetchConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/config", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Device cred", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(models.RemoteConfig{
			Version:      4,
			MaxBatchSize: 50,
			Collectors: map[string]models.CollectorConfig{
				models.CollectorLogTail: {Enabled: true, Interval: 10 * time.Second},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "cred", 5*time.Second)
	cfg, err := c.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Version)
	assert.Equal(t, 50, cfg.MaxBatchSize)
	assert.True(t, cfg.Collectors[models.CollectorLogTail].Enabled)
}

func TestRegisterSessionAndUploadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sessions":
			var req RegisterRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "sess-1", req.SessionID)
			w.WriteHeader(http.StatusCreated)
		case "/api/v1/uploads":
			json.NewEncoder(w).Encode(UploadURLResponse{URL: "https://blobs.example/put/abc"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "cred", 5*time.Second)
	require.NoError(t, c.RegisterSession(context.Background(), RegisterRequest{SessionID: "sess-1"}))

	url, err := c.RequestUploadURL(context.Background(), "diag.zip")
	require.NoError(t, err)
	assert.Equal(t, "https://blobs.example/put/abc", url)
}
