// Package client is a Go consumer for the notifyd HTTP API: a REST client
// for queue management and polling, and a Reconnector that keeps a push
// WebSocket alive across server restarts.
package client

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
)

// Notification mirrors the server's wire shape.
type Notification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Amount      *float64  `json:"amount,omitempty"`
	IsPermanent bool      `json:"isPermanent"`
	DisplayTime *int      `json:"displayTime"`
	Sent        bool      `json:"sent"`
	CreatedAt   time.Time `json:"createdAt"`

	IsFavorite  bool   `json:"isFavorite,omitempty"`
	HTMLContent string `json:"htmlContent,omitempty"`
	FetchError  string `json:"error,omitempty"`
}

// Draft is the mutable subset sent on create and edit.
type Draft struct {
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	UserID      string   `json:"userId"`
	Amount      *float64 `json:"amount,omitempty"`
	IsPermanent bool     `json:"isPermanent"`
	DisplayTime *int     `json:"displayTime,omitempty"`
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// List fetches notifications. userID may be empty to list every user.
func (c *Client) List(ctx context.Context, userID string) ([]Notification, error) {
	path := "/notifications"
	if userID != "" {
		path += "?userId=" + url.QueryEscape(userID)
	}
	var out []Notification
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create submits a new notification and returns it with server-assigned
// identity.
func (c *Client) Create(ctx context.Context, d Draft) (Notification, error) {
	var out Notification
	if err := c.do(ctx, http.MethodPost, "/notifications", d, &out); err != nil {
		return Notification{}, err
	}
	return out, nil
}

// Check claims the caller's oldest pending notification. ok is false when the
// queue is drained.
func (c *Client) Check(ctx context.Context, userID string) (Notification, bool, error) {
	var out struct {
		HasNotification bool          `json:"hasNotification"`
		Notification    *Notification `json:"notification"`
	}
	path := "/notifications/check?userId=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Notification{}, false, err
	}
	if !out.HasNotification || out.Notification == nil {
		return Notification{}, false, nil
	}
	return *out.Notification, true, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/delete", nil, nil)
}

func (c *Client) Reset(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/reset", nil, nil)
}

func (c *Client) ResetAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/notifications/reset-all", nil, nil)
}

func (c *Client) Edit(ctx context.Context, id string, d Draft) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/edit", d, nil)
}

func (c *Client) Favorite(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/favorite", nil, nil)
}

func (c *Client) Unfavorite(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/unfavorite", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10)); err == nil {
			if json.Unmarshal(b, &env) == nil && env.Error != "" {
				msg = env.Error
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
