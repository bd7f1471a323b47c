package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/robertarktes/day-dedications/internal/domain"
)

// Client calls the payment gateway's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type refundBody struct {
	PaymentRef string            `json:"payment_ref"`
	Reason     string            `json:"reason"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type refundResponse struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Refund requests a full refund of paymentRef. The idempotency key is
// derived from the payment and the attempt, so a retried call within one
// attempt cannot refund twice.
func (c *Client) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResult, error) {
	body, err := json.Marshal(refundBody{PaymentRef: req.PaymentRef, Reason: req.Reason, Metadata: req.Metadata})
	if err != nil {
		return domain.RefundResult{}, errors.Wrap(err, "encode refund request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/refunds", bytes.NewReader(body))
	if err != nil {
		return domain.RefundResult{}, errors.Wrap(err, "build refund request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.RefundResult{}, errors.Mark(errors.Wrap(err, "call gateway"), domain.ErrUpstreamFailure)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.RefundResult{}, errors.Mark(errors.Wrap(err, "read gateway response"), domain.ErrUpstreamFailure)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return domain.RefundResult{}, errors.Wrap(domain.ErrUpstreamFailure, fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, msg))
	}

	var out refundResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.RefundResult{}, errors.Mark(errors.Wrap(err, "decode gateway response"), domain.ErrUpstreamFailure)
	}
	if out.RefundID == "" {
		return domain.RefundResult{}, errors.Wrap(domain.ErrUpstreamFailure, "gateway response missing refund_id")
	}
	return domain.RefundResult{RefundID: out.RefundID, Status: domain.RefundStatus(out.Status)}, nil
}
