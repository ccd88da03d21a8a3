package ledger

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// dropsPerXRP converts the ledger's integer drops to XRP.
var dropsPerXRP = decimal.New(1, 6)

// Currency names one side of an order book. The zero Issuer with code XRP
// is the native asset.
type Currency struct {
	Code   string `json:"currency"`
	Issuer string `json:"issuer,omitempty"`
}

// XRP is the native currency.
var XRP = Currency{Code: "XRP"}

// IsNative reports whether c is XRP.
func (c Currency) IsNative() bool { return c.Code == "XRP" && c.Issuer == "" }

func (c Currency) String() string {
	if c.IsNative() {
		return "XRP"
	}
	return c.Code + "." + c.Issuer
}

// MarshalJSON renders the currency in the shape book_offers expects.
func (c Currency) MarshalJSON() ([]byte, error) {
	if c.IsNative() {
		return json.Marshal(map[string]string{"currency": "XRP"})
	}
	return json.Marshal(map[string]string{"currency": CurrencyCode(c.Code), "issuer": c.Issuer})
}

// CurrencyCode normalises a token code to its ledger form: three-character
// codes stay as they are, longer codes become 40 hex digits.
func CurrencyCode(code string) string {
	if len(code) == 3 {
		return code
	}
	if len(code) == 40 {
		if _, err := hex.DecodeString(code); err == nil {
			return strings.ToUpper(code)
		}
	}
	padded := make([]byte, 20)
	copy(padded, code)
	return strings.ToUpper(hex.EncodeToString(padded))
}

// Trustline is one entry of account_lines.
type Trustline struct {
	Peer     string          `json:"account"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Limit    decimal.Decimal `json:"limit"`
}

// Matches reports whether the line holds currency code issued by issuer.
func (l Trustline) Matches(code, issuer string) bool {
	return l.Peer == issuer && strings.EqualFold(l.Currency, CurrencyCode(code))
}

// SubmitResult is the preliminary outcome of submit.
type SubmitResult struct {
	Hash         string `json:"hash"`
	EngineResult string `json:"engineResult"`
}

// Accepted reports whether the transaction was applied, queued, or had
// already been applied under the same hash.
func (r SubmitResult) Accepted() bool {
	return strings.HasPrefix(r.EngineResult, "tes") ||
		r.EngineResult == "terQUEUED" ||
		r.EngineResult == "tefALREADY"
}

// TxStatus is what the ledger reports about a transaction hash.
type TxStatus struct {
	Hash      string `json:"hash"`
	Found     bool   `json:"found"`
	Validated bool   `json:"validated"`
	Result    string `json:"result,omitempty"`
	TxType    string `json:"txType,omitempty"`
	Account   string `json:"account,omitempty"`
	Sequence  uint32 `json:"sequence,omitempty"`
}

// Succeeded reports whether the transaction is in a validated ledger with a
// tesSUCCESS result.
func (s TxStatus) Succeeded() bool {
	return s.Found && s.Validated && s.Result == "tesSUCCESS"
}

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return "rpc error " + e.Code
	}
	return fmt.Sprintf("rpc error %s: %s", e.Code, e.Message)
}

// IsRPCError reports whether err carries the server error code.
func IsRPCError(err error, code string) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// amount is a ledger amount: a drops string for XRP or an object for
// issued tokens.
type amount struct {
	Value decimal.Decimal
}

func (a *amount) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var drops string
		if err := json.Unmarshal(b, &drops); err != nil {
			return err
		}
		d, err := decimal.NewFromString(drops)
		if err != nil {
			return fmt.Errorf("bad drops amount %q: %w", drops, err)
		}
		a.Value = d.Div(dropsPerXRP)
		return nil
	}
	var issued struct {
		Value decimal.Decimal `json:"value"`
	}
	if err := json.Unmarshal(b, &issued); err != nil {
		return err
	}
	a.Value = issued.Value
	return nil
}

// DropsToXRP converts a drops string to XRP.
func DropsToXRP(drops string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(drops)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad drops amount %q: %w", drops, err)
	}
	return d.Div(dropsPerXRP), nil
}

// XRPToDrops renders an XRP amount as an integer drops string.
func XRPToDrops(xrp decimal.Decimal) string {
	return xrp.Mul(dropsPerXRP).Truncate(0).String()
}
