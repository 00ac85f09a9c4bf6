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

	"github.com/galadd/labwarden/internal/model"
	"github.com/galadd/labwarden/internal/orchestrator"
	"github.com/galadd/labwarden/internal/runtime"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient talks to a labwarden server. The timeout covers a first start,
// which may include an image build.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Start(ctx context.Context, slug string, userID, labID int64) (*model.Instance, error) {
	var resp instanceResponse
	path := "/labs/" + url.PathEscape(slug) + "/start"
	if err := c.do(ctx, http.MethodPost, path, startRequest{UserID: userID, LabID: labID}, &resp); err != nil {
		return nil, err
	}
	return resp.Instance, nil
}

func (c *Client) StopFor(ctx context.Context, userID, labID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/labs/%d/stop", labID), stopRequest{UserID: userID}, nil)
}

func (c *Client) StatusFor(ctx context.Context, userID, labID int64) (orchestrator.Access, error) {
	var access orchestrator.Access
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/labs/%d/status?user_id=%d", labID, userID), nil, &access)
	return access, err
}

func (c *Client) Status(ctx context.Context, instanceID string) (*model.Instance, error) {
	var resp instanceResponse
	if err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(instanceID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Instance, nil
}

func (c *Client) Stop(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(instanceID), nil, nil)
}

func (c *Client) ListForUser(ctx context.Context, userID int64) ([]*model.Instance, error) {
	var resp instancesResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d/instances", userID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

func (c *Client) CleanupExpired(ctx context.Context) (orchestrator.Report, error) {
	var report orchestrator.Report
	err := c.do(ctx, http.MethodPost, "/admin/cleanup/expired", nil, &report)
	return report, err
}

func (c *Client) CleanupForUser(ctx context.Context, userID int64) (orchestrator.Report, error) {
	var report orchestrator.Report
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/cleanup/users/%d", userID), nil, &report)
	return report, err
}

func (c *Client) Orphans(ctx context.Context) ([]runtime.ContainerSummary, error) {
	var resp orphansResponse
	if err := c.do(ctx, http.MethodGet, "/admin/orphans", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

func (c *Client) EngineAvailable(ctx context.Context) (bool, error) {
	var resp healthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp)
	return resp.Engine, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
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

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure resultResponse
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &failure) != nil || failure.Message == "" {
			failure.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: failure.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
