// Package signer is the client for the mobile-signing provider: a REST API to
// create payloads and read their status, a websocket carrying status events,
// and signed webhook callbacks. Provider bodies are decoded into a closed set
// of states at this boundary.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arkantrust/donation-settlement/apperr"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultExpireMinutes = 10
)

// PayloadSpec describes what the wallet is asked to sign.
type PayloadSpec struct {
	TxJSON        map[string]any
	Submit        bool
	ExpireMinutes int
	Identifier    string
	Instruction   string
}

// SignIn is a payload that only proves control of an account.
func SignIn(instruction string) PayloadSpec {
	return PayloadSpec{
		TxJSON:      map[string]any{"TransactionType": "SignIn"},
		Instruction: instruction,
	}
}

// Created is the provider's handle for a new payload.
type Created struct {
	UUID         string    `json:"uuid"`
	QRPng        string    `json:"qrPng"`
	QRURI        string    `json:"qrUri"`
	WebsocketURL string    `json:"websocketUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Client is the provider REST client.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient returns a client for the provider at baseURL
// (https://xumm.app/api/v1).
func NewClient(baseURL, apiKey, apiSecret string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{},
		timeout:   defaultTimeout,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreatePayload registers a payload with the provider.
func (c *Client) CreatePayload(ctx context.Context, spec PayloadSpec) (Created, error) {
	const op = "signer.CreatePayload"
	if len(spec.TxJSON) == 0 {
		return Created{}, apperr.New(apperr.InvalidInput, op, "transaction is required")
	}
	expire := spec.ExpireMinutes
	if expire <= 0 {
		expire = defaultExpireMinutes
	}
	req := map[string]any{
		"txjson":  spec.TxJSON,
		"options": map[string]any{"submit": spec.Submit, "expire": expire},
	}
	if spec.Identifier != "" || spec.Instruction != "" {
		meta := map[string]any{}
		if spec.Identifier != "" {
			meta["identifier"] = spec.Identifier
		}
		if spec.Instruction != "" {
			meta["instruction"] = spec.Instruction
		}
		req["custom_meta"] = meta
	}

	start := c.now()
	var resp struct {
		UUID string `json:"uuid"`
		Refs struct {
			QRPng           string `json:"qr_png"`
			QRURI           string `json:"qr_uri"`
			WebsocketStatus string `json:"websocket_status"`
		} `json:"refs"`
		Next struct {
			Always string `json:"always"`
		} `json:"next"`
	}
	if err := c.do(ctx, op, http.MethodPost, "/platform/payload", req, &resp); err != nil {
		return Created{}, err
	}
	if resp.UUID == "" {
		return Created{}, apperr.Wrap(apperr.ProviderUnavailable, op, ErrUnrecognizedPayload)
	}
	qrURI := resp.Refs.QRURI
	if qrURI == "" {
		qrURI = resp.Next.Always
	}
	created := Created{
		UUID:         resp.UUID,
		QRPng:        resp.Refs.QRPng,
		QRURI:        qrURI,
		WebsocketURL: resp.Refs.WebsocketStatus,
		ExpiresAt:    start.Add(time.Duration(expire) * time.Minute),
	}
	c.logger.Info("payload created", "payload_id", created.UUID, "expires_at", created.ExpiresAt)
	return created, nil
}

// GetPayloadStatus fetches and decodes the status of a payload.
func (c *Client) GetPayloadStatus(ctx context.Context, uuid string) (Status, error) {
	const op = "signer.GetPayloadStatus"
	if uuid == "" {
		return Status{}, apperr.New(apperr.InvalidInput, op, "payload id is required")
	}
	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, "/platform/payload/"+url.PathEscape(uuid), nil, &raw); err != nil {
		return Status{}, err
	}
	st, err := DecodeStatus(raw)
	if err != nil {
		return Status{}, apperr.Wrap(apperr.ProviderUnavailable, op, err)
	}
	return st, nil
}

// do performs one bounded request. Transport failures, timeouts, 429 and 5xx
// are ProviderUnavailable; 404 is NotFound; 400 is InvalidInput.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return apperr.Wrap(apperr.Internal, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-API-Secret", c.apiSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("signing provider unreachable", "op", op, "error", err)
		return apperr.Wrap(apperr.ProviderUnavailable, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.ProviderUnavailable, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.NotFound, op, "payload not found")
	case resp.StatusCode == http.StatusBadRequest:
		return apperr.New(apperr.InvalidInput, op, "provider rejected request: %s", snippet(raw))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.New(apperr.ProviderUnavailable, op, "provider returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return apperr.New(apperr.Internal, op, "provider returned %d: %s", resp.StatusCode, snippet(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.ProviderUnavailable, op, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err))
	}
	return nil
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
