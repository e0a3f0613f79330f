package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPGateway charges through a remote payment service:
// POST {baseURL}/charges with a ChargeRequest body, answered by a ChargeResult.
type HTTPGateway struct {
	client  *resty.Client
	baseURL string
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPGateway{client: c, baseURL: strings.TrimRight(baseURL, "/")}
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var out ChargeResult
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.OrderID).
		SetBody(req).
		SetResult(&out).
		Post(g.baseURL + "/charges")
	if err != nil {
		return ChargeResult{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if resp.IsError() {
		return ChargeResult{}, fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	switch out.Status {
	case StatusSucceeded, StatusFailed:
		return out, nil
	default:
		return ChargeResult{}, fmt.Errorf("%w: unexpected charge status %q", ErrGateway, out.Status)
	}
}
