// Package ledger is a small XRPL JSON-RPC client covering the read queries
// and the submit call the settlement core needs. Every call runs under a
// bounded timeout and every failure, including an error object returned by
// the server, is reported as apperr.LedgerQueryFailed so callers can retry.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arkantrust/donation-settlement/apperr"
)

const defaultTimeout = 10 * time.Second

// maxLinePages bounds account_lines pagination.
const maxLinePages = 50

// Client talks to one rippled JSON-RPC endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient returns a client for endpoint, e.g. https://s.altnet.rippletest.net:51234.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{},
		timeout:  defaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// call issues method and decodes the result object into out. The returned
// error is unclassified; exported methods wrap it.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("ledger request failed", "method", method, "error", err)
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected HTTP status %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if len(envelope.Result) == 0 {
		return fmt.Errorf("%s: response has no result", method)
	}
	var status rpcStatus
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return fmt.Errorf("decode %s status: %w", method, err)
	}
	if status.Status == "error" || status.Error != "" {
		return &RPCError{Code: status.Error, Message: status.ErrorMessage}
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	c.logger.Debug("ledger call", "method", method, "duration", time.Since(start))
	return nil
}

// AccountLines returns every trustline of address, optionally restricted to
// lines with peer.
func (c *Client) AccountLines(ctx context.Context, address, peer string) ([]Trustline, error) {
	const op = "ledger.AccountLines"
	lines := []Trustline{}
	var marker json.RawMessage
	for page := 0; page < maxLinePages; page++ {
		params := map[string]any{
			"account":      address,
			"ledger_index": "validated",
		}
		if peer != "" {
			params["peer"] = peer
		}
		if marker != nil {
			params["marker"] = marker
		}
		var result struct {
			Lines  []Trustline     `json:"lines"`
			Marker json.RawMessage `json:"marker"`
		}
		if err := c.call(ctx, "account_lines", params, &result); err != nil {
			return nil, apperr.Wrap(apperr.LedgerQueryFailed, op, err)
		}
		lines = append(lines, result.Lines...)
		if len(result.Marker) == 0 || string(result.Marker) == "null" {
			return lines, nil
		}
		marker = result.Marker
	}
	return nil, apperr.New(apperr.LedgerQueryFailed, op, "more than %d pages of trustlines", maxLinePages)
}

// AccountBalance returns the XRP balance of address.
func (c *Client) AccountBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	const op = "ledger.AccountBalance"
	var result struct {
		AccountData struct {
			Balance string `json:"Balance"`
		} `json:"account_data"`
	}
	params := map[string]any{"account": address, "ledger_index": "validated"}
	if err := c.call(ctx, "account_info", params, &result); err != nil {
		return decimal.Zero, apperr.Wrap(apperr.LedgerQueryFailed, op, err)
	}
	xrp, err := DropsToXRP(result.AccountData.Balance)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.LedgerQueryFailed, op, err)
	}
	return xrp, nil
}

// TrustlineTo reports whether address holds a line for code issued by
// issuer, and the line's balance.
func (c *Client) TrustlineTo(ctx context.Context, address, code, issuer string) (bool, decimal.Decimal, error) {
	lines, err := c.AccountLines(ctx, address, issuer)
	if err != nil {
		return false, decimal.Zero, err
	}
	for _, l := range lines {
		if l.Matches(code, issuer) {
			return true, l.Balance, nil
		}
	}
	return false, decimal.Zero, nil
}

// HasTrustline reports whether address can hold code issued by issuer.
func (c *Client) HasTrustline(ctx context.Context, address, code, issuer string) (bool, error) {
	ok, _, err := c.TrustlineTo(ctx, address, code, issuer)
	return ok, err
}

// TokenBalance returns the balance of code issued by issuer held by address,
// zero when there is no line.
func (c *Client) TokenBalance(ctx context.Context, address, code, issuer string) (decimal.Decimal, error) {
	_, balance, err := c.TrustlineTo(ctx, address, code, issuer)
	return balance, err
}

// OrderBook returns how many units of quote one unit of base buys, taken
// from the best offer selling base for quote.
func (c *Client) OrderBook(ctx context.Context, base, quote Currency) (float64, error) {
	const op = "ledger.OrderBook"
	var result struct {
		Offers []struct {
			TakerGets amount `json:"TakerGets"`
			TakerPays amount `json:"TakerPays"`
		} `json:"offers"`
	}
	params := map[string]any{
		"taker_gets":   base,
		"taker_pays":   quote,
		"limit":        1,
		"ledger_index": "validated",
	}
	if err := c.call(ctx, "book_offers", params, &result); err != nil {
		return 0, apperr.Wrap(apperr.LedgerQueryFailed, op, err)
	}
	if len(result.Offers) == 0 {
		return 0, apperr.New(apperr.LedgerQueryFailed, op, "no offers for %s/%s", base, quote)
	}
	best := result.Offers[0]
	if !best.TakerGets.Value.IsPositive() {
		return 0, apperr.New(apperr.LedgerQueryFailed, op, "best offer has a non-positive size")
	}
	rate := best.TakerPays.Value.Div(best.TakerGets.Value).InexactFloat64()
	return rate, nil
}

// SubmitTransaction submits a signed transaction blob. A preliminary result
// outside the accepted set is returned as an error alongside the result.
func (c *Client) SubmitTransaction(ctx context.Context, txBlob string) (SubmitResult, error) {
	const op = "ledger.SubmitTransaction"
	var result struct {
		EngineResult string `json:"engine_result"`
		TxJSON       struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	if err := c.call(ctx, "submit", map[string]any{"tx_blob": txBlob}, &result); err != nil {
		return SubmitResult{}, apperr.Wrap(apperr.LedgerQueryFailed, op, err)
	}
	sr := SubmitResult{Hash: result.TxJSON.Hash, EngineResult: result.EngineResult}
	if !sr.Accepted() {
		return sr, apperr.New(apperr.LedgerQueryFailed, op, "transaction rejected with %s", sr.EngineResult)
	}
	return sr, nil
}

// TransactionStatus looks up a transaction by hash. An unknown hash is not an
// error: the status comes back with Found=false.
func (c *Client) TransactionStatus(ctx context.Context, hash string) (TxStatus, error) {
	const op = "ledger.TransactionStatus"
	type txFields struct {
		TransactionType string `json:"TransactionType"`
		Account         string `json:"Account"`
		Sequence        uint32 `json:"Sequence"`
	}
	var result struct {
		txFields
		TxJSON    *txFields `json:"tx_json"`
		Hash      string    `json:"hash"`
		Validated bool      `json:"validated"`
		Meta      struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	}
	err := c.call(ctx, "tx", map[string]any{"transaction": hash, "binary": false}, &result)
	if IsRPCError(err, "txnNotFound") {
		return TxStatus{Hash: hash}, nil
	}
	if err != nil {
		return TxStatus{}, apperr.Wrap(apperr.LedgerQueryFailed, op, err)
	}
	fields := result.txFields
	if result.TxJSON != nil {
		fields = *result.TxJSON
	}
	if result.Hash == "" {
		result.Hash = hash
	}
	return TxStatus{
		Hash:      result.Hash,
		Found:     true,
		Validated: result.Validated,
		Result:    result.Meta.TransactionResult,
		TxType:    fields.TransactionType,
		Account:   fields.Account,
		Sequence:  fields.Sequence,
	}, nil
}

// Ping checks the endpoint answers server_info.
func (c *Client) Ping(ctx context.Context) error {
	var out json.RawMessage
	if err := c.call(ctx, "server_info", map[string]any{}, &out); err != nil {
		return apperr.Wrap(apperr.LedgerQueryFailed, "ledger.Ping", err)
	}
	return nil
}
