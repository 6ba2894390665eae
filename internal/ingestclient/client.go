// Package ingestclient talks to the remote collector API: session
// registration, batch ingest, config fetch and diagnostic upload URLs.
// Status codes drive the failure taxonomy: 401/403 is a credential
// problem, other 4xx are non-retryable, 5xx and transport errors are
// retryable.
package ingestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/provsight-systems/provsight-agent/internal/models"
)

// ErrAuthRejected marks a 401/403 from the backend. It may mean the device
// was deregistered; spooled data is preserved and the caller logs loudly.
var ErrAuthRejected = errors.New("device credential rejected")

// StatusError carries a non-2xx response code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Body)
}

// Retryable reports whether err is worth retrying: transport errors and
// 5xx yes, 4xx no.
func Retryable(err error) bool {
	if errors.Is(err, ErrAuthRejected) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return err != nil
}

type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

func New(baseURL, credential string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		credential: credential,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type RegisterRequest struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
}

// RegisterSession announces the session to the backend. Best effort: the
// caller treats failure as non-fatal.
func (c *Client) RegisterSession(ctx context.Context, req RegisterRequest) error {
	return c.post(ctx, "/api/v1/sessions", req, nil, false)
}

type BatchRequest struct {
	BatchID string         `json:"batch_id"`
	Events  []models.Event `json:"events"`
}

type BatchResponse struct {
	AcceptedIDs []string `json:"accepted_ids"`
}

// IngestBatch delivers one batch, gzip-compressed. The backend dedups by
// event ID, so re-delivery after a lost acknowledgment is safe.
func (c *Client) IngestBatch(ctx context.Context, batchID string, events []models.Event) (*BatchResponse, error) {
	var resp BatchResponse
	err := c.post(ctx, "/api/v1/ingest", BatchRequest{BatchID: batchID, Events: events}, &resp, true)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchConfig retrieves the current remote configuration snapshot.
func (c *Client) FetchConfig(ctx context.Context) (*models.RemoteConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/config", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return nil, err
	}

	var cfg models.RemoteConfig
	if err := json.NewDecoder(res.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

type UploadURLResponse struct {
	URL string `json:"url"`
}

// RequestUploadURL asks the backend for a destination to upload an
// auxiliary diagnostic bundle.
func (c *Client) RequestUploadURL(ctx context.Context, name string) (string, error) {
	var resp UploadURLResponse
	err := c.post(ctx, "/api/v1/uploads", map[string]string{"name": name}, &resp, false)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any, compress bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var buf bytes.Buffer
	if compress {
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("compress request: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress request: %w", err)
		}
	} else {
		buf.Write(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	c.authorize(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.credential != "" {
		req.Header.Set("Authorization", "Device "+c.credential)
	}
}

func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w (status %d)", ErrAuthRejected, res.StatusCode)
	}
	var errBody map[string]string
	_ = json.NewDecoder(res.Body).Decode(&errBody)
	return &StatusError{Code: res.StatusCode, Body: errBody["message"]}
}
