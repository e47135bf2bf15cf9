// internal/client/client.go
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	httpapi "inference-horde/internal/api/http"
	"inference-horde/internal/domain"

	"github.com/go-resty/resty/v2"
)

// Client talks to a horde node over the public /api/v2 surface.
type Client struct {
	rc *resty.Client
}

type errorEnvelope struct {
	Message string   `json:"message"`
	RC      string   `json:"rc"`
	Reward  *float64 `json:"reward"`
}

// New returns a client for baseURL (e.g. http://localhost:8080) sending apiKey on every call.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(baseURL+"/api/v2").
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Client-Agent", "hordectl:1:inference-horde").
		SetError(&errorEnvelope{})
	if apiKey != "" {
		rc.SetHeader("apikey", apiKey)
	}
	return &Client{rc: rc}
}

// do runs req and turns error envelopes into *domain.APIError.
func (c *Client) do(req *resty.Request, method, path string) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if !resp.IsError() {
		return nil
	}
	if env, ok := resp.Error().(*errorEnvelope); ok && env.RC != "" {
		return &domain.APIError{Status: resp.StatusCode(), RC: env.RC, Message: env.Message, Reward: env.Reward}
	}
	return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status())
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(c.rc.R().SetContext(ctx), http.MethodGet, "/status/heartbeat")
}

func (c *Client) Performance(ctx context.Context) (*httpapi.PerformanceResponse, error) {
	var out httpapi.PerformanceResponse
	err := c.do(c.rc.R().SetContext(ctx).SetResult(&out), http.MethodGet, "/status/performance")
	return &out, err
}

func (c *Client) Modes(ctx context.Context) (*httpapi.ModesResponse, error) {
	var out httpapi.ModesResponse
	err := c.do(c.rc.R().SetContext(ctx).SetResult(&out), http.MethodGet, "/status/modes")
	return &out, err
}

func (c *Client) SetModes(ctx context.Context, in httpapi.ModesRequest) (*httpapi.ModesResponse, error) {
	var out httpapi.ModesResponse
	err := c.do(c.rc.R().SetContext(ctx).SetBody(in).SetResult(&out), http.MethodPut, "/status/modes")
	return &out, err
}

func (c *Client) FindUser(ctx context.Context) (*httpapi.UserView, error) {
	var out httpapi.UserView
	err := c.do(c.rc.R().SetContext(ctx).SetResult(&out), http.MethodGet, "/find_user")
	return &out, err
}

func (c *Client) Transfer(ctx context.Context, alias string, amount float64) error {
	body := httpapi.KudosRequest{Username: alias, Amount: amount}
	return c.do(c.rc.R().SetContext(ctx).SetBody(body), http.MethodPost, "/kudos/transfer")
}

func (c *Client) Award(ctx context.Context, alias string, amount float64) error {
	body := httpapi.KudosRequest{Username: alias, Amount: amount}
	return c.do(c.rc.R().SetContext(ctx).SetBody(body), http.MethodPost, "/kudos/award")
}

func (c *Client) ListWorkers(ctx context.Context, variant domain.WorkerVariant) ([]httpapi.WorkerView, error) {
	var out []httpapi.WorkerView
	req := c.rc.R().SetContext(ctx).SetResult(&out)
	if variant != "" {
		req.SetQueryParam("type", string(variant))
	}
	err := c.do(req, http.MethodGet, "/workers")
	return out, err
}

func (c *Client) UpdateWorker(ctx context.Context, id string, in httpapi.WorkerUpdateRequest) (*httpapi.WorkerView, error) {
	var out httpapi.WorkerView
	err := c.do(c.rc.R().SetContext(ctx).SetBody(in).SetResult(&out), http.MethodPut, "/workers/"+id)
	return &out, err
}
