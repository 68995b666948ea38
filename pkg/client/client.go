// Package client is the Go SDK for the shepherd HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Send a command to a host
//	id, err := c.EnqueueMessage(ctx, client.EnqueueRequest{
//	    HostID:      hostID,
//	    MessageType: "service.restart",
//	    Priority:    client.PriorityHigh,
//	})
//
//	// Kick off a coordinated reboot
//	orchID, err := c.StartReboot(ctx, hostID, 120, "ops@example.com")
//
// # Error handling
//
// All methods return an *APIError when the server responds with a
// non-2xx status code. Use errors.As to inspect the HTTP status and
// server message.
//
// Client is safe for concurrent use; it shares one http.Client so
// connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openfleet/shepherd/pkg/types"
)

// Priority levels accepted by EnqueueRequest.
const (
	PriorityLow    = int(types.PriorityLow)
	PriorityNormal = int(types.PriorityNormal)
	PriorityHigh   = int(types.PriorityHigh)
	PriorityUrgent = int(types.PriorityUrgent)
)

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shepherd: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Use this to configure
// TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// Client is the shepherd API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the server at baseURL (e.g.
// "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnqueueRequest describes one outbound command to enqueue. Set
// Broadcast (and leave HostID empty) to fan the message out to every
// connected agent instead of targeting one host.
type EnqueueRequest struct {
	HostID      string          `json:"host_id,omitempty"`
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at,omitempty"`
	Broadcast   bool            `json:"broadcast,omitempty"`
}

// EnqueueMessage enqueues an outbound command and returns its message id.
func (c *Client) EnqueueMessage(ctx context.Context, req EnqueueRequest) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages", req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// GetMessage returns the current state of a message.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	var msg types.Message
	if err := c.do(ctx, http.MethodGet, "/v1/messages/"+url.PathEscape(messageID), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns messages, optionally filtered by status.
func (c *Client) ListMessages(ctx context.Context, status types.MessageStatus) ([]*types.Message, error) {
	path := "/v1/messages"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var msgs []*types.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// StartReboot begins a reboot orchestration and returns its id.
func (c *Client) StartReboot(ctx context.Context, parentHostID string, shutdownTimeoutSeconds int, initiatedBy string) (string, error) {
	req := map[string]any{
		"parent_host_id":           parentHostID,
		"shutdown_timeout_seconds": shutdownTimeoutSeconds,
		"initiated_by":             initiatedBy,
	}
	var resp struct {
		OrchestrationID string `json:"orchestration_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/reboots", req, &resp); err != nil {
		return "", err
	}
	return resp.OrchestrationID, nil
}

// GetReboot returns the current state of a reboot orchestration.
func (c *Client) GetReboot(ctx context.Context, id string) (*types.RebootOrchestration, error) {
	var orch types.RebootOrchestration
	if err := c.do(ctx, http.MethodGet, "/v1/reboots/"+url.PathEscape(id), nil, &orch); err != nil {
		return nil, err
	}
	return &orch, nil
}

// RegisterHost creates a host record.
func (c *Client) RegisterHost(ctx context.Context, hostname, parentID string) (*types.Host, error) {
	req := map[string]string{"hostname": hostname}
	if parentID != "" {
		req["parent_id"] = parentID
	}
	var host types.Host
	if err := c.do(ctx, http.MethodPost, "/v1/hosts", req, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

// ApproveHost marks a host as approved for dispatch.
func (c *Client) ApproveHost(ctx context.Context, id string) (*types.Host, error) {
	var host types.Host
	if err := c.do(ctx, http.MethodPost, "/v1/hosts/"+url.PathEscape(id)+"/approve", nil, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

// ListHosts returns all host records.
func (c *Client) ListHosts(ctx context.Context) ([]*types.Host, error) {
	var hosts []*types.Host
	if err := c.do(ctx, http.MethodGet, "/v1/hosts", nil, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// DeleteHost removes a host record.
func (c *Client) DeleteHost(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/hosts/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = string(data)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
