package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mark3labs/x402x"
)

// Client calls a remote facilitator over its HTTP API. It satisfies
// facilitator.Service, so resource servers can swap between an in-process
// facilitator and a remote one.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a facilitator client. Settle calls can take as long as a
// settlement transaction takes to confirm, so the underlying client carries
// no global timeout; bound individual calls through the context.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// Verify verifies a payment without executing it.
func (c *Client) Verify(ctx context.Context, req *x402x.FacilitatorRequest) (*x402x.VerifyResponse, error) {
	var resp x402x.VerifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes a verified payment on-chain. Callers should bound ctx
// generously: a settlement waits for its transaction receipt.
func (c *Client) Settle(ctx context.Context, req *x402x.FacilitatorRequest) (*x402x.SettlementResponse, error) {
	var resp x402x.SettlementResponse
	if err := c.post(ctx, "/settle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported queries the payment kinds the facilitator serves. A nonzero
// version filters the list.
func (c *Client) Supported(ctx context.Context, version int) (*x402x.SupportedResponse, error) {
	url := c.baseURL + "/supported"
	if version != 0 {
		url += "?x402Version=" + strconv.Itoa(version)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var resp x402x.SupportedResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, req *x402x.FacilitatorRequest, out interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure, "facilitator unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure, "failed to read facilitator response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return x402x.NewFacilitatorError(x402x.ErrCodeInfrastructure,
			fmt.Sprintf("facilitator returned status %d", resp.StatusCode), nil).
			WithDetails("body", string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return x402x.NewFacilitatorError(x402x.ErrCodeUnexpected, "unparseable facilitator response", err)
	}
	return nil
}
