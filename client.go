package drip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// NewClient returns a client for a running dripd instance.
func NewClient(host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host: host,
		http: http.DefaultClient,
	}
}

type Client struct {
	host string
	http *http.Client
}

// StartOptIn submits an opt-in request. The service responds with 202 once
// the confirmation email has been dispatched.
func (c *Client) StartOptIn(ctx context.Context, req OptInRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.do(ctx, "POST", "/api/optin", bytes.NewBuffer(body), nil)
}

// Confirm consumes an opt-in token, returning the resolved outcome.
func (c *Client) Confirm(ctx context.Context, token string) (Outcome, error) {
	var res struct {
		Result Outcome `json:"result"`
	}
	err := c.do(ctx, "GET", "/api/optin/confirm?token="+token, nil, &res)
	return res.Result, err
}

// ProcessQueue triggers one pass over the drip queue.
func (c *Client) ProcessQueue(ctx context.Context) (Summary, error) {
	var s Summary
	err := c.do(ctx, "POST", "/api/queue/process", nil, &s)
	return s, err
}

// InspectQueue returns the full queue snapshot. The service refuses this
// outside non-production environments.
func (c *Client) InspectQueue(ctx context.Context) ([]Item, error) {
	var items []Item
	err := c.do(ctx, "GET", "/api/queue", nil, &items)
	return items, err
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Add("content-type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("dripd responded %d, %s", resp.StatusCode, strings.TrimSpace(string(respBytes)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBytes, out)
}
