package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/donation-settlement/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckIDGenerate(t *testing.T) {
	out, err := run(t, "checkid", "generate", "rBXsgNkPcDN2runsvWmwxk3Lh97zdgo9za", "4")
	require.NoError(t, err)
	assert.Equal(t, "84C61BE9B39B2C4A2267F67504404F1EC76678806C1B901EA781D1E3B4CE0CD9\n", out)

	_, err = run(t, "checkid", "generate", "rBXsgNkPcDN2runsvWmwxk3Lh97zdgo9za", "four")
	assert.ErrorContains(t, err, "sequence")

	_, err = run(t, "checkid", "generate", "not-an-address", "4")
	assert.Error(t, err)
}

func TestCheckIDValidate(t *testing.T) {
	out, err := run(t, "checkid", "validate", "84C61BE9B39B2C4A2267F67504404F1EC76678806C1B901EA781D1E3B4CE0CD9")
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)

	out, err = run(t, "checkid", "validate", "xyz")
	assert.EqualError(t, err, "invalid CheckID")
	assert.Contains(t, out, "CheckID must be 64 characters")
	assert.Contains(t, out, "CheckID must be a hex string")
}

func TestQuoteUsesOrderBook(t *testing.T) {
	ledgerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "book_offers" {
			http.Error(w, "unexpected method", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"status":"success","offers":[{"TakerGets":"2000000","TakerPays":{"currency":"USD","issuer":"rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B","value":"1.04"}}]}}`))
	}))
	defer ledgerSrv.Close()
	t.Setenv("SETTLE_LEDGER_ENDPOINT", ledgerSrv.URL)

	out, err := run(t, "quote", "--quality", "0.5", "--volume", "0")
	require.NoError(t, err)

	var q struct {
		Price          string  `json:"price"`
		SecondaryPrice string  `json:"secondaryPrice"`
		Rate           float64 `json:"rate"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, "1.25", q.Price)
	assert.Equal(t, "2.403846", q.SecondaryPrice)
	assert.InDelta(t, 0.52, q.Rate, 1e-9)
}

func TestQuoteRejectsBadVolume(t *testing.T) {
	_, err := run(t, "quote", "--volume", "lots")
	assert.ErrorContains(t, err, "volume")
}

func TestLinkWatchRetriesUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wallet-links/payload-1", r.URL.Path)
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case n == 1:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"provider down"}`))
		case n == 2:
			_, _ = w.Write([]byte(`{"requestId":"link-1","payloadId":"payload-1","status":"pending"}`))
		default:
			_, _ = w.Write([]byte(`{"requestId":"link-1","payloadId":"payload-1","status":"completed","walletAddress":"rDonor"}`))
		}
	}))
	defer srv.Close()

	w := &linkWatcher{server: srv.URL, http: srv.Client(), initial: time.Millisecond}
	st, err := w.Watch(context.Background(), "payload-1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.PayloadCompleted, st.Status)
	assert.Equal(t, "rDonor", st.WalletAddress)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLinkWatchStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"wallet link not found"}`))
	}))
	defer srv.Close()

	w := &linkWatcher{server: srv.URL, http: srv.Client(), initial: time.Millisecond}
	_, err := w.Watch(context.Background(), "payload-x", 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet link not found")
	assert.Equal(t, int32(1), calls.Load())
}
