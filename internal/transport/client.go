// Package transport provides the HTTP client the queue manager uses to
// deliver sync batches to the merge endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quickaudit/fieldsync/internal/apperr"
	"github.com/quickaudit/fieldsync/internal/models"
)

// TokenProvider supplies the bearer credential for REST calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed credential.
type StaticToken string

// Token implements TokenProvider.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// SyncClient posts sync rounds to the server.
type SyncClient struct {
	baseURL string
	tokens  TokenProvider
	client  *http.Client
}

// NewSyncClient creates a client for the server at baseURL.
func NewSyncClient(baseURL string, tokens TokenProvider) *SyncClient {
	return &SyncClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Sync delivers a batch of operations and returns the server's round
// response. Network failures and 5xx responses are classified transient
// (retryable); 4xx responses are validation failures and are not.
func (c *SyncClient) Sync(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "failed to encode sync request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "failed to build sync request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrSyncTransient, "sync request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.New(apperr.ErrSyncAuthFailed, "sync request rejected: "+resp.Status)
	case resp.StatusCode >= 500:
		// Transaction failure server-side: the whole batch retries later.
		return nil, apperr.New(apperr.ErrSyncTransient, "server failed to process sync round: "+resp.Status)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperr.New(apperr.ErrValidation,
			fmt.Sprintf("sync request invalid: %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}

	var syncResp models.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&syncResp); err != nil {
		return nil, apperr.Wrap(apperr.ErrSyncTransient, "failed to decode sync response", err)
	}
	return &syncResp, nil
}

// Status fetches the server-side conflict/pending report.
func (c *SyncClient) Status(ctx context.Context) (*models.SyncStatusReport, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/status", nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrSyncTransient, "status request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.ErrSyncTransient, "status request rejected: "+resp.Status)
	}

	var report models.SyncStatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &report, nil
}

func (c *SyncClient) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return apperr.Wrap(apperr.ErrSyncAuthFailed, "failed to obtain token", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
