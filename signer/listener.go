package signer

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arkantrust/donation-settlement/apperr"
)

// PushHandler receives the terminal event of a payload. A nil status means
// the payload resolved and must be reconciled to learn the outcome.
type PushHandler func(ctx context.Context, payloadID string, st *Status) error

// Listener follows a payload's status socket.
type Listener struct {
	dialer      *websocket.Dialer
	readTimeout time.Duration
	logger      *slog.Logger
}

// NewListener returns a Listener. readTimeout bounds the silence between
// frames; the provider sends a countdown frame every few seconds.
func NewListener(readTimeout time.Duration, logger *slog.Logger) *Listener {
	if readTimeout <= 0 {
		readTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		readTimeout: readTimeout,
		logger:      logger,
	}
}

// Listen reads frames from wsURL until a terminal frame arrives, which is
// passed to h, or until ctx ends or the socket closes. Unrecognised frames
// are logged and skipped.
func (l *Listener) Listen(ctx context.Context, payloadID, wsURL string, h PushHandler) error {
	const op = "signer.Listen"
	conn, _, err := l.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return apperr.Wrap(apperr.ProviderUnavailable, op, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return apperr.Wrap(apperr.ProviderUnavailable, op, err)
		}
		frame, err := DecodeFrame(msg)
		if err != nil {
			l.logger.Debug("skipping socket frame", "payload_id", payloadID, "error", err)
			continue
		}
		if !frame.Terminal {
			continue
		}
		l.logger.Info("push event received", "payload_id", payloadID, "resolved", frame.Status == nil)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return h(ctx, payloadID, frame.Status)
	}
}
