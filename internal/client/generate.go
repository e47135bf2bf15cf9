// internal/client/generate.go
package client

import (
	"context"
	"net/http"
	"time"

	httpapi "inference-horde/internal/api/http"
	"inference-horde/internal/domain"
)

// variantPaths maps a variant to its submit, status, pop and submit-result routes.
var variantPaths = map[domain.WorkerVariant]struct{ async, status, pop, submit string }{
	domain.VariantImage:         {"/generate/async", "/generate/status/", "/generate/pop", "/generate/submit"},
	domain.VariantText:          {"/generate/text/async", "/generate/text/status/", "/generate/text/pop", "/generate/text/submit"},
	domain.VariantInterrogation: {"/interrogate/async", "/interrogate/status/", "/interrogate/pop", "/interrogate/submit"},
}

// Submit enqueues body (one of the httpapi request DTOs) as a request of variant.
func (c *Client) Submit(ctx context.Context, variant domain.WorkerVariant, body any) (*httpapi.SubmitResponse, error) {
	var out httpapi.SubmitResponse
	err := c.do(c.rc.R().SetContext(ctx).SetBody(body).SetResult(&out), http.MethodPost, variantPaths[variant].async)
	return &out, err
}

func (c *Client) Check(ctx context.Context, id string) (*httpapi.StatusResponse, error) {
	var out httpapi.StatusResponse
	err := c.do(c.rc.R().SetContext(ctx).SetResult(&out), http.MethodGet, "/generate/check/"+id)
	return &out, err
}

func (c *Client) Status(ctx context.Context, variant domain.WorkerVariant, id string) (*httpapi.StatusResponse, error) {
	var out httpapi.StatusResponse
	err := c.do(c.rc.R().SetContext(ctx).SetResult(&out), http.MethodGet, variantPaths[variant].status+id)
	return &out, err
}

func (c *Client) Cancel(ctx context.Context, variant domain.WorkerVariant, id string) (*httpapi.StatusResponse, error) {
	var out httpapi.StatusResponse
	err := c.do(c.rc.R().SetContext(ctx).SetResult(&out), http.MethodDelete, variantPaths[variant].status+id)
	return &out, err
}

// Wait polls the lite status every interval until the request is done, then
// returns the full status.
func (c *Client) Wait(ctx context.Context, variant domain.WorkerVariant, id string, interval time.Duration) (*httpapi.StatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Check(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Done || st.Faulted {
			return c.Status(ctx, variant, id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) Pop(ctx context.Context, variant domain.WorkerVariant, in httpapi.PopRequest) (*httpapi.PopResponse, error) {
	var out httpapi.PopResponse
	err := c.do(c.rc.R().SetContext(ctx).SetBody(in).SetResult(&out), http.MethodPost, variantPaths[variant].pop)
	return &out, err
}

func (c *Client) SubmitResult(ctx context.Context, variant domain.WorkerVariant, in httpapi.SubmitResultRequest) (float64, error) {
	var out httpapi.RewardResponse
	err := c.do(c.rc.R().SetContext(ctx).SetBody(in).SetResult(&out), http.MethodPost, variantPaths[variant].submit)
	return out.Reward, err
}
