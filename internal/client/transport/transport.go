// Package transport talks to the sync server over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

type Options struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	// Compress sends push bodies snappy-encoded.
	Compress bool
}

type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	compress bool
	dialer   *websocket.Dialer
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", opts.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:     base,
		token:    opts.AuthToken,
		http:     &http.Client{Timeout: timeout},
		compress: opts.Compress,
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout},
	}, nil
}

func (c *Client) Push(ctx context.Context, req model.PushRequest) (*model.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode push: %w", err)
	}
	headers := http.Header{"Content-Type": []string{"application/json"}}
	if c.compress {
		body = snappy.Encode(nil, body)
		headers.Set("Content-Encoding", "snappy")
	}

	var resp model.PushResponse
	if err := c.do(ctx, "push", http.MethodPost, "/api/v1/sync/push", nil, body, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Pull(ctx context.Context, since time.Time, limit int) (*model.PullResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp model.PullResponse
	if err := c.do(ctx, "pull", http.MethodGet, "/api/v1/sync/pull", q, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch returns the full active collection of e.
func (c *Client) Fetch(ctx context.Context, e model.Entity) ([]model.Record, error) {
	var records []model.Record
	if err := c.do(ctx, "fetch "+string(e), http.MethodGet, "/api/v1/entities/"+url.PathEscape(string(e)), nil, nil, nil, &records); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Entity = e
	}
	return records, nil
}

// Ping checks that the server answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte, headers http.Header, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return &NetworkError{Op: op, Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, errorMessage(raw))}
	case resp.StatusCode >= 400:
		return &BusinessError{Op: op, Status: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

// Watch streams change notices to fn until ctx ends or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(model.ChangeNotice)) error {
	u := *c.base
	u.Path = c.base.Path + "/api/v1/sync/events"
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return classify("watch", err)
	}
	defer conn.Close()
	logger.Log.Info("Watching server changes", zap.String("url", u.String()))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var n model.ChangeNotice
		if err := conn.ReadJSON(&n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classify("watch", err)
		}
		fn(n)
	}
}
