/*
client.go - HTTP client for the remote system of record

PURPOSE:
  One batched push endpoint and one cursor-based pull endpoint, both JSON with
  bearer-token auth. A 401 maps to ledger.ErrSessionExpired and is never
  retried with backoff.

REJECTIONS:
  The push response carries structured rejections with a typed code. Only
  RejectInsufficientStock triggers the coordinator's compensating rollback;
  conflict and unknown codes stay in the queue for retry. Legacy servers that
  only return error strings are classified by substring as a fallback.

SEE ALSO:
  - engine.go: the only caller of Push
  - merge.go: the only caller of Pull
*/
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pharmstack/ledger-engine/ledger"
)

// RejectCode classifies a per-row server rejection.
type RejectCode string

const (
	// RejectInsufficientStock: the remote's authoritative stock check failed,
	// e.g. another device consumed the same batch first. Triggers rollback.
	RejectInsufficientStock RejectCode = "insufficient_stock"
	// RejectConflict: a write conflict the next push can resolve. Retried.
	RejectConflict RejectCode = "conflict"
	RejectUnknown  RejectCode = "unknown"
)

// Rejection is one row the server refused to accept.
type Rejection struct {
	Kind    ledger.EntityKind `json:"kind"`
	LocalID string            `json:"localId"`
	Code    RejectCode        `json:"code"`
	Message string            `json:"message,omitempty"`
}

// PushResponse maps local correlation ids to remote ids per entity kind.
type PushResponse struct {
	Synced     map[ledger.EntityKind]map[string]ledger.RemoteID `json:"synced"`
	Failed     int                                              `json:"failed,omitempty"`
	Rejections []Rejection                                      `json:"rejections,omitempty"`
	Errors     []string                                         `json:"errors,omitempty"`
}

// RemoteID looks up the remote id assigned to one pushed row.
func (r *PushResponse) RemoteID(kind ledger.EntityKind, localID string) (ledger.RemoteID, bool) {
	byKind, ok := r.Synced[kind]
	if !ok {
		return "", false
	}
	id, ok := byKind[localID]
	return id, ok
}

// PullResponse is the remote's change feed since the cursor.
type PullResponse struct {
	Success    bool      `json:"success"`
	ServerTime time.Time `json:"serverTime"`
	Data       PullData  `json:"data"`
}

// Client talks to the remote sync endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Push sends one batched payload keyed by entity kind.
func (c *Client) Push(ctx context.Context, batch map[ledger.EntityKind][]json.RawMessage) (*PushResponse, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ledger.ErrSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("push rejected: status %d: %s", resp.StatusCode, readBody(resp.Body))
	}

	var out PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	classifyLegacyErrors(&out)
	return &out, nil
}

// Pull fetches remote changes since the cursor. A nil cursor requests
// everything.
func (c *Client) Pull(ctx context.Context, since *time.Time) (*PullResponse, error) {
	url := c.baseURL + "/sync/pull"
	if since != nil {
		url += "?lastSyncAt=" + since.UTC().Format(time.RFC3339Nano)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ledger.ErrSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pull rejected: status %d: %s", resp.StatusCode, readBody(resp.Body))
	}

	var out PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("pull unsuccessful")
	}
	return &out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyLegacyErrors maps bare error strings onto structured rejections for
// servers that predate the rejections field.
func classifyLegacyErrors(resp *PushResponse) {
	if len(resp.Rejections) > 0 {
		return
	}
	for _, msg := range resp.Errors {
		code := RejectUnknown
		if strings.Contains(strings.ToLower(msg), "insufficient stock") {
			code = RejectInsufficientStock
		}
		resp.Rejections = append(resp.Rejections, Rejection{Code: code, Message: msg})
	}
}

func readBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(data)
}
