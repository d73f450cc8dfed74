// Package provider is the boundary to the transactional email service.
// The rest of the system only sees the Client interface, tests swap in a
// mock and never make HTTP calls.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client interface {
	// CreateContact registers the contact with an audience. An error whose
	// message indicates the contact is already subscribed should be treated
	// as success by the caller, see AlreadySubscribed.
	CreateContact(ctx context.Context, audienceId, email, firstName string) error
	// SendEmail submits one email for delivery. Submission is fire and
	// forget, the provider owns delivery guarantees from here.
	SendEmail(ctx context.Context, from, to, subject, html string) error
}

// Error is a rejection from the provider API, as opposed to not reaching
// it at all.
type Error struct {
	StatusCode int    `json:"-"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider responded %d %s, %s", e.StatusCode, e.Name, e.Message)
}

// AlreadySubscribed reports whether err is the provider telling us the
// contact is already on the audience. A duplicate confirm click is not an
// error, the user is on the list either way.
//
// The detection is a case-insensitive substring match on the provider's
// message, which is brittle if the wording changes. Kept in one place so
// a structured error code can replace it.
func AlreadySubscribed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already subscribed") || strings.Contains(msg, "already exists")
}

func New(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *HTTPClient) CreateContact(ctx context.Context, audienceId, email, firstName string) error {
	body := map[string]interface{}{
		"email":        email,
		"first_name":   firstName,
		"unsubscribed": false,
	}
	return c.post(ctx, fmt.Sprintf("/audiences/%s/contacts", audienceId), body)
}

func (c *HTTPClient) SendEmail(ctx context.Context, from, to, subject, html string) error {
	body := map[string]interface{}{
		"from":    from,
		"to":      []string{to},
		"subject": subject,
		"html":    html,
	}
	return c.post(ctx, "/emails", body)
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("could not marshal request, %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("could not create request, %w", err)
	}
	req.Header.Add("content-type", "application/json")
	req.Header.Add("authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach provider, %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return nil
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read provider error response, %w", err)
	}

	perr := &Error{StatusCode: resp.StatusCode}
	err = json.Unmarshal(respBytes, perr)
	if err != nil || perr.Message == "" {
		perr.Message = strings.TrimSpace(string(respBytes))
	}
	return perr
}
