package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the HTTP implementation of Requester: one JSON POST per action
// against the organization backend's action endpoint.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// ClientConfig carries the connection settings for the backend.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewClient validates the backend address and builds a Requester with the
// configured request timeout. The timeout applies equally to online writes
// and outbox replays.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		httpc:   &http.Client{Timeout: timeout},
	}, nil
}

type actionRequest struct {
	Action  string `json:"action"`
	Payload any    `json:"payload,omitempty"`
}

// Do posts one action. Transport failures and non-2xx statuses other than
// explicit rejections wrap ErrUnavailable; a decoded success=false envelope
// is returned as-is for the caller to classify.
func (c *Client) Do(ctx context.Context, action string, payload any) (Response, error) {
	if strings.TrimSpace(action) == "" {
		return Response{}, errors.New("api: action required")
	}
	body, err := json.Marshal(actionRequest{Action: action, Payload: payload})
	if err != nil {
		return Response{}, fmt.Errorf("api: marshal %s: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("api: build request %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Response{}, fmt.Errorf("%w: %s: status %d", ErrUnavailable, action, resp.StatusCode)
	}

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Response{}, fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, action, err)
	}
	return envelope, nil
}

type syncMarkersPayload struct {
	Subjects []string `json:"subjects"`
}

type syncMarkersResult struct {
	Markers map[string]time.Time `json:"markers"`
}

// SyncMarkers fetches the per-subject last-synced markers the drain step
// compares queued intents against.
func (c *Client) SyncMarkers(ctx context.Context, subjects []string) (map[string]time.Time, error) {
	resp, err := c.Do(ctx, "sync-markers", syncMarkersPayload{Subjects: subjects})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &RejectionError{Action: "sync-markers", Message: resp.Message}
	}
	var result syncMarkersResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("api: decode sync markers: %w", err)
	}
	if result.Markers == nil {
		result.Markers = map[string]time.Time{}
	}
	return result.Markers, nil
}
