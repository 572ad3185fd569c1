package api

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

	"github.com/ethpandaops/torrentstats/internal/stats"
	"github.com/ethpandaops/torrentstats/internal/version"
)

// RemoteClient queries a running agent's API.
type RemoteClient struct {
	base string
	http *http.Client
}

// NewRemoteClient creates a client for the API at base, e.g.
// "http://localhost:8112".
func NewRemoteClient(base string) *RemoteClient {
	return &RemoteClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetStats fetches the history of keys at interval.
func (c *RemoteClient) GetStats(
	ctx context.Context,
	keys []string,
	interval stats.Resolution,
) (stats.Result, error) {
	q := url.Values{}
	q.Set("interval", interval.String())

	if len(keys) > 0 {
		q.Set("keys", strings.Join(keys, ","))
	}

	var res stats.Result
	err := c.do(ctx, http.MethodGet, "/api/v1/stats?"+q.Encode(), nil, &res)

	return res, err
}

// GetTotals fetches persisted plus session totals.
func (c *RemoteClient) GetTotals(ctx context.Context) (stats.Totals, error) {
	var t stats.Totals
	err := c.do(ctx, http.MethodGet, "/api/v1/totals", nil, &t)

	return t, err
}

// GetSessionTotals fetches the current session's totals.
func (c *RemoteClient) GetSessionTotals(ctx context.Context) (stats.Totals, error) {
	var t stats.Totals
	err := c.do(ctx, http.MethodGet, "/api/v1/session_totals", nil, &t)

	return t, err
}

// GetConfig fetches the user settings.
func (c *RemoteClient) GetConfig(ctx context.Context) (map[string]any, error) {
	var cfg map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/config", nil, &cfg)

	return cfg, err
}

// SetConfig merges partial into the user settings.
func (c *RemoteClient) SetConfig(ctx context.Context, partial map[string]any) error {
	return c.do(ctx, http.MethodPut, "/api/v1/config", partial, nil)
}

// GetIntervals fetches the tracked resolutions.
func (c *RemoteClient) GetIntervals(ctx context.Context) ([]stats.Resolution, error) {
	var rs []stats.Resolution
	err := c.do(ctx, http.MethodGet, "/api/v1/intervals", nil, &rs)

	return rs, err
}

func (c *RemoteClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// statusError maps an error response back onto the sentinel errors.
func statusError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)

	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", stats.ErrResolutionNotFound, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", stats.ErrSourceUnavailable, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
}
