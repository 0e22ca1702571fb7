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
)

// Client calls the HTTP endpoints of a running server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL. A nil httpClient
// uses one without a timeout, since hook requests block until decided.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Inject posts messages or a permission request into a session.
func (c *Client) Inject(ctx context.Context, sessionID string, req InjectRequest) (InjectResponse, error) {
	var resp InjectResponse
	err := c.do(ctx, http.MethodPost, "/dev/inject/"+url.PathEscape(sessionID), req, &resp)
	return resp, err
}

// Pending lists the undecided permission requests of a session.
func (c *Client) Pending(ctx context.Context, sessionID string) ([]PermissionPayload, error) {
	var resp []PermissionPayload
	err := c.do(ctx, http.MethodGet, "/hook/pending?session_id="+url.QueryEscape(sessionID), nil, &resp)
	return resp, err
}

// Permission submits a hook request and waits for its decision.
func (c *Client) Permission(ctx context.Context, req HookRequest) (HookResponse, error) {
	var resp HookResponse
	err := c.do(ctx, http.MethodPost, "/hook/permission", req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
