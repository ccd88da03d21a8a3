// Package payload coordinates signing-provider payloads with local state.
//
// A payload can be driven to a terminal state by two independent signals:
// a poll (Reconcile) and a push event (HandleEvent, or a socket/webhook
// notification through HandlePush). Both go through apply, and the move to
// a terminal state is a single conditional update of the payload record in
// the store. Only the caller whose update performed the move runs the
// completion side effect, so repeated or concurrent signals never apply it
// twice, even across processes sharing the store.
package payload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkantrust/donation-settlement/apperr"
	"github.com/arkantrust/donation-settlement/models"
	"github.com/arkantrust/donation-settlement/signer"
	"github.com/arkantrust/donation-settlement/store"
)

// Provider is the signing-provider API the coordinator calls.
type Provider interface {
	CreatePayload(ctx context.Context, spec signer.PayloadSpec) (signer.Created, error)
	GetPayloadStatus(ctx context.Context, uuid string) (signer.Status, error)
}

// Subscriber follows a payload's push channel.
type Subscriber interface {
	Listen(ctx context.Context, payloadID, wsURL string, h signer.PushHandler) error
}

// CompletionHandler applies the side effects of a payload reaching a
// terminal state. Handlers must be idempotent: after a crash between the
// state change and the effect, the effect is run again by the first
// Reconcile after the claim lease.
type CompletionHandler interface {
	OnCompleted(ctx context.Context, rec models.PayloadRecord) error
	OnTerminal(ctx context.Context, rec models.PayloadRecord) error
}

// Coordinator owns payload records and wallet-link requests.
type Coordinator struct {
	store    store.Store
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	linkTTL  time.Duration
	lease    time.Duration

	mu       sync.RWMutex
	handlers map[models.PayloadKind]CompletionHandler

	subscriber Subscriber
	watchCtx   context.Context
	watchers   sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithLogger sets the logger; nil keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLinkTTL sets how long a wallet-link payload stays signable.
func WithLinkTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= time.Minute {
			c.linkTTL = d
		}
	}
}

// WithEffectLease sets how long a running completion effect blocks other
// callers from running it again.
func WithEffectLease(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lease = d
		}
	}
}

// WithIDGenerator replaces the uuid generator for local record ids.
func WithIDGenerator(f func() string) Option { return func(c *Coordinator) { c.newID = f } }

// WithSubscriber makes every new payload start a push listener that lives at
// most until ctx ends or the payload expires.
func WithSubscriber(ctx context.Context, sub Subscriber) Option {
	return func(c *Coordinator) {
		c.subscriber = sub
		c.watchCtx = ctx
	}
}

// New returns a coordinator with the wallet-link completion handler
// registered.
func New(s store.Store, p Provider, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    s,
		provider: p,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		linkTTL:  10 * time.Minute,
		lease:    time.Minute,
		handlers: map[models.PayloadKind]CompletionHandler{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handlers[models.KindWalletLink] = linkEffects{c: c}
	return c
}

// Register sets the completion handler for kind.
func (c *Coordinator) Register(kind models.PayloadKind, h CompletionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

func (c *Coordinator) handler(kind models.PayloadKind) CompletionHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[kind]
}

// Wait blocks until every push listener has returned.
func (c *Coordinator) Wait() { c.watchers.Wait() }

// CreatePayload asks the provider for a payload and records it as pending.
// reference is the id of the local request the payload authorises.
func (c *Coordinator) CreatePayload(ctx context.Context, kind models.PayloadKind, reference string, spec signer.PayloadSpec) (models.PayloadRecord, signer.Created, error) {
	const op = "payload.CreatePayload"
	if spec.Identifier == "" {
		spec.Identifier = reference
	}
	created, err := c.provider.CreatePayload(ctx, spec)
	if err != nil {
		return models.PayloadRecord{}, signer.Created{}, err
	}
	now := c.now()
	rec := models.PayloadRecord{
		ID:        created.UUID,
		Kind:      kind,
		Reference: reference,
		Status:    models.PayloadPending,
		CreatedAt: now,
		ExpiresAt: created.ExpiresAt,
		UpdatedAt: now,
	}
	stored, fresh, err := store.CreateDoc(ctx, c.store, models.CollectionPayloads, rec.ID, &rec)
	if err != nil {
		return models.PayloadRecord{}, signer.Created{}, apperr.Wrap(apperr.Internal, op, err)
	}
	if !fresh {
		return *stored, created, apperr.New(apperr.Conflict, op, "payload %s already recorded", rec.ID)
	}
	c.logger.Info("payload recorded", "payload_id", rec.ID, "kind", kind, "reference", reference)
	c.watch(created)
	return rec, created, nil
}

func (c *Coordinator) watch(created signer.Created) {
	if c.subscriber == nil || created.WebsocketURL == "" {
		return
	}
	ctx, cancel := context.WithDeadline(c.watchCtx, created.ExpiresAt.Add(time.Minute))
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		defer cancel()
		err := c.subscriber.Listen(ctx, created.UUID, created.WebsocketURL, func(ctx context.Context, id string, st *signer.Status) error {
			_, err := c.HandlePush(ctx, id, st)
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("push listener stopped", "payload_id", created.UUID, "error", err)
		}
	}()
}

// Get returns a payload record.
func (c *Coordinator) Get(ctx context.Context, payloadID string) (models.PayloadRecord, error) {
	rec, err := store.GetDoc[models.PayloadRecord](ctx, c.store, models.CollectionPayloads, payloadID)
	if err != nil {
		if store.IsNotFound(err) {
			return models.PayloadRecord{}, apperr.New(apperr.NotFound, "payload.Get", "unknown payload %s", payloadID)
		}
		return models.PayloadRecord{}, apperr.Wrap(apperr.Internal, "payload.Get", err)
	}
	return *rec, nil
}

// Reconcile polls the provider and applies what it reports. A record that
// is already terminal is returned as is, after re-running its side effect if
// that had not completed and no live caller holds it. Provider failures are
// returned unchanged and never alter the record.
func (c *Coordinator) Reconcile(ctx context.Context, payloadID string) (models.PayloadRecord, error) {
	rec, err := c.Get(ctx, payloadID)
	if err != nil {
		return models.PayloadRecord{}, err
	}
	if rec.Status.Terminal() {
		if rec.EffectApplied {
			return rec, nil
		}
		return c.resumeEffect(ctx, rec)
	}

	st, err := c.provider.GetPayloadStatus(ctx, payloadID)
	if err != nil {
		// The provider drops payloads some time after they expire.
		if errors.Is(err, apperr.ErrNotFound) && rec.ExpiredAt(c.now()) {
			return c.apply(ctx, payloadID, signer.Expired())
		}
		c.logger.Warn("reconcile failed", "payload_id", payloadID, "error", err)
		return rec, err
	}
	return c.apply(ctx, payloadID, st)
}

// HandleEvent applies a pushed status.
func (c *Coordinator) HandleEvent(ctx context.Context, payloadID string, st signer.Status) (models.PayloadRecord, error) {
	return c.apply(ctx, payloadID, st)
}

// HandlePush applies a pushed status, or reconciles when the push only
// announced that the payload resolved.
func (c *Coordinator) HandlePush(ctx context.Context, payloadID string, st *signer.Status) (models.PayloadRecord, error) {
	if st == nil {
		return c.Reconcile(ctx, payloadID)
	}
	return c.HandleEvent(ctx, payloadID, *st)
}

func (c *Coordinator) apply(ctx context.Context, payloadID string, st signer.Status) (models.PayloadRecord, error) {
	switch st.State {
	case signer.StateSigned:
		if st.Result == nil {
			return models.PayloadRecord{}, apperr.New(apperr.InvalidInput, "payload.apply", "signed status without result")
		}
		return c.tryComplete(ctx, payloadID, *st.Result)
	case signer.StateCancelled:
		return c.finish(ctx, payloadID, models.PayloadCancelled, nil)
	case signer.StateExpired:
		return c.finish(ctx, payloadID, models.PayloadExpired, nil)
	case signer.StatePending:
		rec, err := c.Get(ctx, payloadID)
		if err != nil {
			return models.PayloadRecord{}, err
		}
		if rec.ExpiredAt(c.now()) {
			return c.finish(ctx, payloadID, models.PayloadExpired, nil)
		}
		return rec, nil
	}
	return models.PayloadRecord{}, apperr.Wrap(apperr.InvalidInput, "payload.apply", signer.ErrUnrecognizedPayload)
}

// tryComplete is the single entry point for completion. A signed result is
// accepted even when the record's expiry has passed: the wallet signed, so
// the ledger may already hold the transaction.
func (c *Coordinator) tryComplete(ctx context.Context, payloadID string, result models.SignedResult) (models.PayloadRecord, error) {
	return c.finish(ctx, payloadID, models.PayloadCompleted, &result)
}

// finish moves the record to a terminal status. When the record is already
// terminal the call is a no-op returning the stored record.
func (c *Coordinator) finish(ctx context.Context, payloadID string, next models.PayloadStatus, result *models.SignedResult) (models.PayloadRecord, error) {
	const op = "payload.finish"
	rec, moved, err := store.ModifyDoc(ctx, c.store, models.CollectionPayloads, payloadID, func(r *models.PayloadRecord) (bool, error) {
		if !r.Status.CanTransition(next) {
			return false, nil
		}
		now := c.now()
		r.Status = next
		r.UpdatedAt = now
		if next == models.PayloadCompleted {
			r.CompletedAt = &now
			r.Result = result
		}
		r.EffectClaimedAt = &now
		return true, nil
	})
	if err != nil {
		if store.IsNotFound(err) {
			return models.PayloadRecord{}, apperr.New(apperr.NotFound, op, "unknown payload %s", payloadID)
		}
		return models.PayloadRecord{}, apperr.Wrap(apperr.Internal, op, err)
	}
	if !moved {
		if rec.Status != next {
			c.logger.Info("ignoring transition from terminal payload",
				"payload_id", payloadID, "status", rec.Status, "requested", next)
		}
		return *rec, nil
	}
	c.logger.Info("payload finished", "payload_id", payloadID, "kind", rec.Kind, "status", next)
	return c.runEffect(ctx, *rec)
}

// resumeEffect claims the effect of a terminal record and runs it. The claim
// fails while another caller's claim is younger than the lease, and the
// record is then returned as read.
func (c *Coordinator) resumeEffect(ctx context.Context, rec models.PayloadRecord) (models.PayloadRecord, error) {
	claimed, ok, err := store.ModifyDoc(ctx, c.store, models.CollectionPayloads, rec.ID, func(r *models.PayloadRecord) (bool, error) {
		now := c.now()
		if r.EffectApplied || (r.EffectClaimedAt != nil && now.Sub(*r.EffectClaimedAt) < c.lease) {
			return false, nil
		}
		r.EffectClaimedAt = &now
		return true, nil
	})
	if err != nil {
		return rec, apperr.Wrap(apperr.Internal, "payload.resumeEffect", err)
	}
	if !ok {
		return *claimed, nil
	}
	return c.runEffect(ctx, *claimed)
}

// runEffect runs the kind's handler for a terminal record the caller has
// claimed and then marks the effect applied. On handler failure the claim is
// released, the record stays terminal with EffectApplied=false and the error
// is returned.
func (c *Coordinator) runEffect(ctx context.Context, rec models.PayloadRecord) (models.PayloadRecord, error) {
	if h := c.handler(rec.Kind); h != nil {
		var err error
		if rec.Status == models.PayloadCompleted {
			err = h.OnCompleted(ctx, rec)
		} else {
			err = h.OnTerminal(ctx, rec)
		}
		if err != nil {
			c.logger.Error("completion effect failed", "payload_id", rec.ID, "kind", rec.Kind, "error", err)
			c.releaseClaim(ctx, rec.ID)
			return rec, err
		}
	}
	updated, _, err := store.ModifyDoc(ctx, c.store, models.CollectionPayloads, rec.ID, func(r *models.PayloadRecord) (bool, error) {
		if r.EffectApplied {
			return false, nil
		}
		r.EffectApplied = true
		return true, nil
	})
	if err != nil {
		return rec, apperr.Wrap(apperr.Internal, "payload.runEffect", err)
	}
	return *updated, nil
}

func (c *Coordinator) releaseClaim(ctx context.Context, payloadID string) {
	_, _, err := store.ModifyDoc(ctx, c.store, models.CollectionPayloads, payloadID, func(r *models.PayloadRecord) (bool, error) {
		if r.EffectApplied || r.EffectClaimedAt == nil {
			return false, nil
		}
		r.EffectClaimedAt = nil
		return true, nil
	})
	if err != nil {
		c.logger.Warn("releasing effect claim failed", "payload_id", payloadID, "error", err)
	}
}
