package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client issues versioned save/load requests against the snapshot service.
type Client struct {
	baseURL *url.URL
	client  *http.Client
	// online reports current connectivity. When it returns false a save is
	// not attempted at all and the caller gets StatusOffline, so the durable
	// queue can absorb it.
	online func() bool
}

func NewClient(baseURL *url.URL, httpClient *http.Client, online func() bool) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, client: httpClient, online: online}
}

// Save performs one compare-and-swap snapshot write. Never returns a Go
// error for the recoverable cases: the outcome status carries them.
func (c *Client) Save(ctx context.Context, documentID string, req SaveRequest) Outcome {
	if c.online != nil && !c.online() {
		return Outcome{Status: StatusOffline}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{Status: StatusTransient, Err: fmt.Errorf("failed to encode save request: %w", err)}
	}
	u := c.baseURL.JoinPath("documents", documentID, "snapshot")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, u.String(), bytes.NewReader(body))
	if err != nil {
		return Outcome{Status: StatusTransient, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Outcome{Status: StatusTransient, Err: fmt.Errorf("failed to patch snapshot: %w", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out SaveResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Outcome{Status: StatusTransient, Err: fmt.Errorf("failed to decode save response: %w", err)}
		}
		return OK(out.NewVersion)
	case http.StatusConflict:
		var conflict Conflict
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return Outcome{Status: StatusTransient, Err: fmt.Errorf("failed to decode conflict body: %w", err)}
		}
		return Outcome{Status: StatusConflict, Conflict: &conflict}
	case http.StatusTooManyRequests:
		return Outcome{Status: StatusRateLimited, RetryAfter: retryAfter(resp)}
	default:
		return Outcome{Status: StatusTransient, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
}

// Load fetches the current snapshot, or nil when the document has none yet.
func (c *Client) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	u := c.baseURL.JoinPath("documents", documentID, "snapshot")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var snap Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		return &snap, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}
