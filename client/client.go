// Package client is the public Go client for the kvlab session API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/kvlab/kvlab/internal/endpoint"
)

// Client talks to a kvlab service over HTTP, including unix sockets.
type Client struct {
	httpClient *http.Client
	baseURL    string
	ep         endpoint.Endpoint
}

// New creates a client for the provided endpoint string.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/kvlab.sock
// - absolute unix socket path
// - http://host:port
// - https://host:port
//
// An empty endpoint resolves the default the same way the CLI does,
// including the KVLAB_HOST environment variable.
func New(rawEndpoint string) (*Client, error) {
	ep, err := endpoint.Resolve(rawEndpoint)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if ep.Scheme == "unix" {
		dialer := &net.Dialer{}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(ep.BaseURL, "/"),
		ep:         ep,
	}, nil
}

// CreateSession starts a new lab session for the user.
func (c *Client) CreateSession(ctx context.Context, userID, labID string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", map[string]string{
		"user_id": userID,
		"lab_id":  labID,
	}, &sess)
	return sess, err
}

// GetSession fetches the current state of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &sess)
	return sess, err
}

// Labs lists the lab catalog.
func (c *Client) Labs(ctx context.Context) ([]LabSummary, error) {
	var body struct {
		Labs []LabSummary `json:"labs"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/labs", nil, &body)
	return body.Labs, err
}

// ExecutionLogs returns the recorded setup step attempts of a session.
func (c *Client) ExecutionLogs(ctx context.Context, sessionID string) ([]ExecutionLogEntry, error) {
	var body struct {
		Logs []ExecutionLogEntry `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/logs", nil, &body)
	return body.Logs, err
}

// Submit hands the lab in, completing the session.
func (c *Client) Submit(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/submit", struct{}{}, &sess)
	return sess, err
}

// Cancel aborts the session.
func (c *Client) Cancel(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/cancel", struct{}{}, &sess)
	return sess, err
}

// Validate runs a question's check command on the session's sandbox.
func (c *Client) Validate(ctx context.Context, sessionID, questionID string) (ValidationResult, error) {
	var result ValidationResult
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/validate", map[string]string{
		"question_id": questionID,
	}, &result)
	return result, err
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kvlab api: %s (status %d)", e.Message, e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
