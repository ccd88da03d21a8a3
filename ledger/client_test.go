package ledger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/donation-settlement/apperr"
	"github.com/arkantrust/donation-settlement/ledger"
)

const (
	donor  = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	issuer = "rf1BiGeXwwQoi8Z2ueFYTEXSwuJYfV2Jpn"
)

// rpcServer answers JSON-RPC calls from canned results keyed by method.
type rpcServer struct {
	mu      sync.Mutex
	results map[string][]string
	calls   []map[string]any
}

func newRPCServer(t *testing.T, results map[string][]string) (*rpcServer, *ledger.Client) {
	t.Helper()
	s := &rpcServer{results: results}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, ledger.NewClient(srv.URL, ledger.WithTimeout(2*time.Second))
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string           `json:"method"`
		Params []map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.calls = append(s.calls, map[string]any{"method": req.Method, "params": req.Params[0]})
	queue := s.results[req.Method]
	if len(queue) == 0 {
		s.mu.Unlock()
		http.Error(w, "no canned result", http.StatusInternalServerError)
		return
	}
	result := queue[0]
	if len(queue) > 1 {
		s.results[req.Method] = queue[1:]
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"result":` + result + `}`))
}

func TestAccountBalanceConvertsDrops(t *testing.T) {
	_, c := newRPCServer(t, map[string][]string{
		"account_info": {`{"status":"success","account_data":{"Account":"` + donor + `","Balance":"25000000"}}`},
	})
	got, err := c.AccountBalance(context.Background(), donor)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(25).Equal(got), "got %s", got)
}

func TestAccountLinesFollowsMarker(t *testing.T) {
	srv, c := newRPCServer(t, map[string][]string{
		"account_lines": {
			`{"status":"success","lines":[{"account":"` + issuer + `","currency":"USD","balance":"1","limit":"100"}],"marker":"page2"}`,
			`{"status":"success","lines":[{"account":"` + issuer + `","currency":"4D41524B45540000000000000000000000000000","balance":"42.5","limit":"1000"}]}`,
		},
	})
	lines, err := c.AccountLines(context.Background(), donor, issuer)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "page2", srv.calls[1]["params"].(map[string]any)["marker"])

	has, balance, err := c.TrustlineTo(context.Background(), donor, "MARKET", issuer)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, "42.5", balance.String())
}

func TestTokenBalanceWithoutLine(t *testing.T) {
	_, c := newRPCServer(t, map[string][]string{
		"account_lines": {`{"status":"success","lines":[]}`},
	})
	has, err := c.HasTrustline(context.Background(), donor, "USD", issuer)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestOrderBookRate(t *testing.T) {
	_, c := newRPCServer(t, map[string][]string{
		"book_offers": {`{"status":"success","offers":[{"TakerGets":"2000000","TakerPays":{"currency":"USD","issuer":"` + issuer + `","value":"1.04"}}]}`},
	})
	rate, err := c.OrderBook(context.Background(), ledger.XRP, ledger.Currency{Code: "USD", Issuer: issuer})
	require.NoError(t, err)
	assert.InDelta(t, 0.52, rate, 1e-9)
}

func TestOrderBookEmptyIsLedgerFailure(t *testing.T) {
	_, c := newRPCServer(t, map[string][]string{
		"book_offers": {`{"status":"success","offers":[]}`},
	})
	_, err := c.OrderBook(context.Background(), ledger.XRP, ledger.Currency{Code: "USD", Issuer: issuer})
	assert.ErrorIs(t, err, apperr.ErrLedgerQueryFailed)
}

func TestRPCErrorIsLedgerFailure(t *testing.T) {
	_, c := newRPCServer(t, map[string][]string{
		"account_info": {`{"status":"error","error":"actNotFound","error_message":"Account not found."}`},
	})
	_, err := c.AccountBalance(context.Background(), donor)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrLedgerQueryFailed)
	assert.True(t, ledger.IsRPCError(err, "actNotFound"))
	assert.True(t, apperr.Retryable(err))
}

func TestTimeoutIsLedgerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	c := ledger.NewClient(srv.URL, ledger.WithTimeout(50*time.Millisecond))

	_, err := c.AccountBalance(context.Background(), donor)
	assert.ErrorIs(t, err, apperr.ErrLedgerQueryFailed)
}

func TestSubmitTransaction(t *testing.T) {
	_, c := newRPCServer(t, map[string][]string{
		"submit": {
			`{"status":"success","engine_result":"tesSUCCESS","tx_json":{"hash":"ABC123"}}`,
			`{"status":"success","engine_result":"tecUNFUNDED_PAYMENT","tx_json":{"hash":"DEF456"}}`,
		},
	})
	res, err := c.SubmitTransaction(context.Background(), "1200002280000000")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", res.Hash)

	res, err = c.SubmitTransaction(context.Background(), "1200002280000000")
	assert.ErrorIs(t, err, apperr.ErrLedgerQueryFailed)
	assert.Equal(t, "tecUNFUNDED_PAYMENT", res.EngineResult)
}

func TestTransactionStatus(t *testing.T) {
	_, c := newRPCServer(t, map[string][]string{
		"tx": {
			`{"status":"success","Account":"` + donor + `","Sequence":7,"TransactionType":"CheckCreate","hash":"H1","validated":true,"meta":{"TransactionResult":"tesSUCCESS"}}`,
			`{"status":"success","tx_json":{"Account":"` + donor + `","Sequence":8,"TransactionType":"Payment"},"hash":"H2","validated":false,"meta":{"TransactionResult":"tesSUCCESS"}}`,
			`{"status":"error","error":"txnNotFound"}`,
		},
	})
	ctx := context.Background()

	st, err := c.TransactionStatus(ctx, "H1")
	require.NoError(t, err)
	assert.True(t, st.Succeeded())
	assert.Equal(t, uint32(7), st.Sequence)
	assert.Equal(t, "CheckCreate", st.TxType)

	st, err = c.TransactionStatus(ctx, "H2")
	require.NoError(t, err)
	assert.False(t, st.Succeeded())
	assert.Equal(t, uint32(8), st.Sequence)
	assert.Equal(t, donor, st.Account)

	st, err = c.TransactionStatus(ctx, "H3")
	require.NoError(t, err)
	assert.False(t, st.Found)
}

func TestCurrencyCode(t *testing.T) {
	assert.Equal(t, "USD", ledger.CurrencyCode("USD"))
	assert.Equal(t, "4D41524B45540000000000000000000000000000", ledger.CurrencyCode("MARKET"))
	assert.Equal(t, "50000000", ledger.XRPToDrops(decimal.NewFromInt(50)))
}
