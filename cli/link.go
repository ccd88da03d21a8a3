package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/arkantrust/donation-settlement/payload"
)

var errLinkPending = errors.New("wallet link still pending")

func newLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Inspect wallet-link requests",
	}
	var (
		server  string
		maxWait time.Duration
	)
	watch := &cobra.Command{
		Use:   "watch <payloadId>",
		Short: "Poll a wallet link until it completes, is cancelled or expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := &linkWatcher{
				server: strings.TrimRight(server, "/"),
				http:   &http.Client{Timeout: 15 * time.Second},
				notify: func(err error, next time.Duration) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v, retrying in %s\n", err, next.Round(time.Millisecond))
				},
			}
			st, err := w.Watch(cmd.Context(), args[0], maxWait)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	watch.Flags().StringVar(&server, "server", "http://localhost:8080", "base URL of a running settle server")
	watch.Flags().DurationVar(&maxWait, "max-wait", 15*time.Minute, "give up after this long")
	cmd.AddCommand(watch)
	return cmd
}

type linkWatcher struct {
	server  string
	http    *http.Client
	initial time.Duration
	notify  backoff.Notify
}

// Watch polls GET /wallet-links/{id} with exponential backoff. Pending links
// and upstream failures are retried; client errors stop immediately.
func (w *linkWatcher) Watch(ctx context.Context, payloadID string, maxWait time.Duration) (payload.LinkStatus, error) {
	b := backoff.NewExponentialBackOff()
	if w.initial > 0 {
		b.InitialInterval = w.initial
	}
	b.MaxInterval = 10 * time.Second

	opts := []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxElapsedTime(maxWait)}
	if w.notify != nil {
		opts = append(opts, backoff.WithNotify(w.notify))
	}
	return backoff.Retry(ctx, func() (payload.LinkStatus, error) {
		return w.poll(ctx, payloadID)
	}, opts...)
}

func (w *linkWatcher) poll(ctx context.Context, payloadID string) (payload.LinkStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.server+"/wallet-links/"+url.PathEscape(payloadID), nil)
	if err != nil {
		return payload.LinkStatus{}, backoff.Permanent(err)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return payload.LinkStatus{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return payload.LinkStatus{}, fmt.Errorf("server answered %s", resp.Status)
	default:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return payload.LinkStatus{}, backoff.Permanent(fmt.Errorf("server answered %s: %s", resp.Status, body.Error))
	}

	var st payload.LinkStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return payload.LinkStatus{}, backoff.Permanent(fmt.Errorf("malformed link status: %w", err))
	}
	if !st.Status.Terminal() {
		return st, errLinkPending
	}
	return st, nil
}
