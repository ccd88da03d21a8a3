package signer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/donation-settlement/apperr"
	"github.com/arkantrust/donation-settlement/signer"
)

const account = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"

func TestDecodeStatus(t *testing.T) {
	cases := []struct {
		name string
		body string
		want signer.State
	}{
		{"pending", `{"meta":{"exists":true},"payload":{"tx_type":"SignIn","expires_at":"2026-03-01T12:10:00Z"}}`, signer.StatePending},
		{"signed", `{"meta":{"exists":true,"resolved":true,"signed":true},"payload":{"tx_type":"Payment"},"response":{"txid":"AB12","account":"` + account + `","dispatched_result":"tesSUCCESS"}}`, signer.StateSigned},
		{"declined", `{"meta":{"exists":true,"resolved":true}}`, signer.StateCancelled},
		{"cancelled", `{"meta":{"exists":true,"cancelled":true}}`, signer.StateCancelled},
		{"expired", `{"meta":{"exists":true,"expired":true}}`, signer.StateExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, err := signer.DecodeStatus([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, st.State)
		})
	}

	st, err := signer.DecodeStatus([]byte(cases[1].body))
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Equal(t, account, st.Result.Account)
	assert.True(t, st.Result.Dispatched)
	assert.Equal(t, "Payment", st.Result.TxType)

	st, err = signer.DecodeStatus([]byte(cases[0].body))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC), st.ExpiresAt)
}

func TestDecodeStatusRejectsUnknownShapes(t *testing.T) {
	for _, body := range []string{
		`[]`,
		`{"hello":"world"}`,
		`{"meta":{"exists":false}}`,
		`{"meta":{"exists":true,"signed":true}}`,
		`{"meta":{"exists":true,"signed":true},"response":{"txid":"AB"}}`,
	} {
		_, err := signer.DecodeStatus([]byte(body))
		assert.ErrorIs(t, err, signer.ErrUnrecognizedPayload, body)
	}
}

func TestDecodeFrame(t *testing.T) {
	for _, msg := range []string{`{"message":"Welcome"}`, `{"expires_in_seconds":299}`, `{"opened":true}`} {
		f, err := signer.DecodeFrame([]byte(msg))
		require.NoError(t, err)
		assert.False(t, f.Terminal, msg)
	}

	f, err := signer.DecodeFrame([]byte(`{"payload_uuidv4":"p1","signed":true,"txid":"AB"}`))
	require.NoError(t, err)
	assert.True(t, f.Terminal)
	assert.Nil(t, f.Status)

	f, err = signer.DecodeFrame([]byte(`{"payload_uuidv4":"p1","signed":false}`))
	require.NoError(t, err)
	require.NotNil(t, f.Status)
	assert.Equal(t, signer.StateCancelled, f.Status.State)

	f, err = signer.DecodeFrame([]byte(`{"expired":true}`))
	require.NoError(t, err)
	assert.Equal(t, signer.StateExpired, f.Status.State)

	_, err = signer.DecodeFrame([]byte(`{"surprise":1}`))
	assert.ErrorIs(t, err, signer.ErrUnrecognizedPayload)
}

func TestDecodeWebhook(t *testing.T) {
	wh, err := signer.DecodeWebhook([]byte(`{"meta":{"payload_uuidv4":"p1"},"payloadResponse":{"payload_uuidv4":"p1","signed":true,"txid":"AB"}}`))
	require.NoError(t, err)
	assert.Equal(t, "p1", wh.PayloadID)
	assert.Nil(t, wh.Status)

	wh, err = signer.DecodeWebhook([]byte(`{"meta":{"payload_uuidv4":"p2"},"payloadResponse":{"payload_uuidv4":"p2","signed":false}}`))
	require.NoError(t, err)
	assert.Equal(t, signer.StateCancelled, wh.Status.State)

	wh, err = signer.DecodeWebhook([]byte(`{"meta":{"exists":true,"uuid":"p3","signed":true},"response":{"txid":"AB","account":"` + account + `"}}`))
	require.NoError(t, err)
	assert.Equal(t, "p3", wh.PayloadID)
	require.NotNil(t, wh.Status)
	assert.Equal(t, signer.StateSigned, wh.Status.State)

	_, err = signer.DecodeWebhook([]byte(`{}`))
	assert.ErrorIs(t, err, signer.ErrUnrecognizedPayload)
}

func TestWebhookSignature(t *testing.T) {
	body := []byte(`{"meta":{"payload_uuidv4":"p1"}}`)
	secret := "aaaa-bbbb-cccc"
	sig := signer.SignWebhook(secret, "1700000000", body)

	assert.Len(t, sig, 40)
	assert.Equal(t, signer.SignWebhook("aaaabbbbcccc", "1700000000", body), sig)
	assert.True(t, signer.VerifyWebhook(secret, "1700000000", body, strings.ToUpper(sig)))
	assert.False(t, signer.VerifyWebhook(secret, "1700000001", body, sig))
	assert.False(t, signer.VerifyWebhook("", "1700000000", body, sig))
}

func TestCreatePayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/platform/payload", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Secret"))

		var req map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "SignIn", req["txjson"].(map[string]any)["TransactionType"])
		assert.EqualValues(t, 5, req["options"].(map[string]any)["expire"])

		_, _ = w.Write([]byte(`{"uuid":"p-123","refs":{"qr_png":"https://x/qr.png","qr_uri":"https://x/qr","websocket_status":"wss://x/sign/p-123"}}`))
	}))
	defer srv.Close()

	c := signer.NewClient(srv.URL+"/api/v1/", "key", "secret", signer.WithClock(func() time.Time { return now }))
	spec := signer.SignIn("Link your wallet")
	spec.ExpireMinutes = 5
	created, err := c.CreatePayload(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "p-123", created.UUID)
	assert.Equal(t, "wss://x/sign/p-123", created.WebsocketURL)
	assert.Equal(t, now.Add(5*time.Minute), created.ExpiresAt)
}

func TestGetPayloadStatusErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"code":500}}`))
	}))
	defer srv.Close()
	c := signer.NewClient(srv.URL, "key", "secret")
	ctx := context.Background()

	_, err := c.GetPayloadStatus(ctx, "p1")
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
	assert.True(t, apperr.Retryable(err))

	status = http.StatusNotFound
	_, err = c.GetPayloadStatus(ctx, "p1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	status = http.StatusOK
	_, err = c.GetPayloadStatus(ctx, "p1")
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
	assert.ErrorIs(t, err, signer.ErrUnrecognizedPayload)
}

func TestGetPayloadStatusTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	c := signer.NewClient(srv.URL, "key", "secret", signer.WithTimeout(50*time.Millisecond))

	_, err := c.GetPayloadStatus(context.Background(), "p1")
	assert.ErrorIs(t, err, apperr.ErrProviderUnavailable)
}

func socketServer(t *testing.T, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestListenerDeliversTerminalFrame(t *testing.T) {
	url := socketServer(t,
		`{"message":"Welcome p1"}`,
		`{"expires_in_seconds":120}`,
		`garbage`,
		`{"opened":true}`,
		`{"payload_uuidv4":"p1","signed":false}`,
	)
	l := signer.NewListener(5*time.Second, nil)

	var got *signer.Status
	calls := 0
	err := l.Listen(context.Background(), "p1", url, func(_ context.Context, id string, st *signer.Status) error {
		calls++
		assert.Equal(t, "p1", id)
		got = st
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.NotNil(t, got)
	assert.Equal(t, signer.StateCancelled, got.State)
}

func TestListenerStopsOnCancel(t *testing.T) {
	url := socketServer(t, `{"message":"Welcome p1"}`)
	l := signer.NewListener(5*time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := l.Listen(ctx, "p1", url, func(context.Context, string, *signer.Status) error {
		t.Fatal("handler must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
