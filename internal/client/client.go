// Package client is the HTTP client used by the oneshot CLI.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"oneshot.link/internal/api"
	"oneshot.link/internal/models"
)

var (
	ErrNotFound          = errors.New("not found or already consumed")
	ErrPassphrase        = errors.New("passphrase rejected")
	ErrUnauthorized      = errors.New("client unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrServerUnavailable = errors.New("server temporarily unavailable")
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	http  *resty.Client
	token string
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	cli := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{http: cli, token: strings.TrimSpace(cfg.Token)}
}

func (c *Client) Create(ctx context.Context, req api.CreateRequest) (api.CreateResponse, error) {
	var out api.CreateResponse
	err := c.post(ctx, "/api/v1/secrets", req, &out)
	return out, err
}

func (c *Client) Generate(ctx context.Context, req api.GenerateRequest) (api.CreateResponse, error) {
	var out api.CreateResponse
	err := c.post(ctx, "/api/v1/secrets/generate", req, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, secret string) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.get(ctx, "/api/v1/secrets/"+SecretID(secret), &out)
	return out, err
}

// Reveal accepts a secret ID or a share URL.
func (c *Client) Reveal(ctx context.Context, secret, passphrase string) (string, error) {
	var out api.RevealResponse
	err := c.post(ctx, "/api/v1/secrets/"+SecretID(secret)+"/reveal", api.RevealRequest{Passphrase: passphrase}, &out)
	return out.Content, err
}

func (c *Client) Burn(ctx context.Context, receipt string) (api.BurnResponse, error) {
	var out api.BurnResponse
	err := c.post(ctx, "/api/v1/receipts/"+ReceiptID(receipt)+"/burn", nil, &out)
	return out, err
}

func (c *Client) Receipt(ctx context.Context, receipt string) (*models.Receipt, error) {
	out := new(models.Receipt)
	if err := c.get(ctx, "/api/v1/receipts/"+ReceiptID(receipt), out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Receipts(ctx context.Context) ([]*models.Receipt, error) {
	var out api.ReceiptsResponse
	err := c.get(ctx, "/api/v1/receipts", &out)
	return out.Receipts, err
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	req := c.request(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return decode(resp, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.request(ctx).Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return decode(resp, out)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if c.token != "" {
		req.SetAuthToken(c.token)
	}
	return req
}

func decode(resp *resty.Response, out any) error {
	if err := mapHTTPError(resp); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode server response: %w", err)
	}
	return nil
}

func mapHTTPError(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	var e api.ErrorResponse
	message := strings.TrimSpace(string(resp.Body()))
	if json.Unmarshal(resp.Body(), &e) == nil && e.Error != "" {
		message = e.Error
	}
	if message == "" {
		message = http.StatusText(code)
	}

	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrPassphrase, message)
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrServerUnavailable
	}
	return fmt.Errorf("http %d: %s", code, message)
}

// SecretID extracts the identifier from a share URL; plain IDs are
// returned unchanged.
func SecretID(s string) string {
	return lastSegment(s, "/s/")
}

func ReceiptID(s string) string {
	return lastSegment(s, "/r/")
}

func lastSegment(s, marker string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, marker); i >= 0 {
		s = s[i+len(marker):]
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, "/")
}
