// ABOUTME: HTTP client for the hub scope API
// ABOUTME: Lets a tab in another process use the hub as its sync authority

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/tabsync/internal/store"
	"github.com/2389/tabsync/internal/window"
)

// DefaultClientTimeout bounds every request made by a Client.
const DefaultClientTimeout = 5 * time.Second

// Client talks to a hub over HTTP. Transport failures and 503 replies are
// reported as store.ErrStoreUnavailable so callers degrade the same way they
// would against a local store.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the hub at baseURL (http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

// Health checks that the hub answers.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub unhealthy: %s", resp.Status)
	}
	return nil
}

// Load returns the state of one scope; ok is false when the hub has none.
func (c *Client) Load(ctx context.Context, scopeID string) (*window.ScopeState, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/scopes/"+url.PathEscape(scopeID), nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, false, err
	}
	var st window.ScopeState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, false, fmt.Errorf("decoding scope: %w", err)
	}
	return &st, true, nil
}

// LoadAll returns every scope the hub holds.
func (c *Client) LoadAll(ctx context.Context) (map[string]window.ScopeState, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/scopes", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out ScopesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	return out.Scopes, nil
}

// Apply sends a mutation to the hub's serialized store.
func (c *Client) Apply(ctx context.Context, scopeID string, m store.Mutation) (*store.SaveResult, error) {
	body, err := json.Marshal(MutationRequest{Upserts: m.Upserts, Deletes: m.Deletes, At: m.At})
	if err != nil {
		return nil, fmt.Errorf("encoding mutation: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/scopes/"+url.PathEscape(scopeID)+"/mutations", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var res store.SaveResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding save result: %w", err)
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return resp, nil
}

// checkStatus turns non-2xx replies into errors, keeping the store sentinels.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var e errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}

	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", store.ErrStoreUnavailable, e.Error)
	case http.StatusBadRequest:
		if strings.Contains(e.Error, store.ErrScopeMismatch.Error()) {
			return fmt.Errorf("%w: %s", store.ErrScopeMismatch, e.Error)
		}
		if strings.Contains(e.Error, window.ErrInvalidWindow.Error()) {
			return fmt.Errorf("%w: %s", window.ErrInvalidWindow, e.Error)
		}
	}
	return fmt.Errorf("hub returned %s: %s", resp.Status, e.Error)
}
