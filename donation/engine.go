// Package donation runs the donation request lifecycle: creation with a
// price quote and an eligibility check, a signing payload for the donor,
// and settlement once the payload completes.
package donation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arkantrust/donation-settlement/apperr"
	"github.com/arkantrust/donation-settlement/checkid"
	"github.com/arkantrust/donation-settlement/eligibility"
	"github.com/arkantrust/donation-settlement/ledger"
	"github.com/arkantrust/donation-settlement/models"
	"github.com/arkantrust/donation-settlement/pricing"
	"github.com/arkantrust/donation-settlement/signer"
	"github.com/arkantrust/donation-settlement/store"
)

const maxTagAttempts = 16

// Ledger is what settlement needs from the ledger.
type Ledger interface {
	SubmitTransaction(ctx context.Context, txBlob string) (ledger.SubmitResult, error)
	TransactionStatus(ctx context.Context, hash string) (ledger.TxStatus, error)
}

// Pricer quotes a project price.
type Pricer interface {
	Quote(ctx context.Context, qualityScore float64, volume decimal.Decimal) (pricing.Quote, error)
}

// Gate checks donor eligibility.
type Gate interface {
	Check(ctx context.Context, address, tokenCode, issuer string) (eligibility.Result, error)
}

// Payloads creates and reconciles signing payloads.
type Payloads interface {
	CreatePayload(ctx context.Context, kind models.PayloadKind, reference string, spec signer.PayloadSpec) (models.PayloadRecord, signer.Created, error)
	Reconcile(ctx context.Context, payloadID string) (models.PayloadRecord, error)
	LinkedWallet(ctx context.Context, subjectID string) (models.UserWallet, error)
}

// Config bounds donation requests.
type Config struct {
	MaxAmount     decimal.Decimal
	RequestTTL    time.Duration
	QuoteOnCreate bool
}

// Handle is returned by CreateRequest.
type Handle struct {
	Request     models.DonationRequest `json:"request"`
	Payload     signer.Created         `json:"payload"`
	Quote       *pricing.Quote         `json:"quote,omitempty"`
	Eligibility *eligibility.Result    `json:"eligibility,omitempty"`
	Warnings    []string               `json:"warnings,omitempty"`
}

// Engine implements the donation lifecycle. It is also the completion
// handler for donation payloads.
type Engine struct {
	store    store.Store
	payloads Payloads
	pricer   Pricer
	gate     Gate
	ledger   Ledger
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	newTag   func() uint32
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger; nil keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithIDGenerator replaces the request id generator.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// WithTagGenerator replaces the destination tag generator.
func WithTagGenerator(f func() uint32) Option { return func(e *Engine) { e.newTag = f } }

// NewEngine wires an engine. cfg.MaxAmount must be positive.
func NewEngine(s store.Store, payloads Payloads, pricer Pricer, gate Gate, l Ledger, cfg Config, opts ...Option) (*Engine, error) {
	if !cfg.MaxAmount.IsPositive() {
		return nil, apperr.New(apperr.InvalidInput, "donation.NewEngine", "max amount must be positive")
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 15 * time.Minute
	}
	e := &Engine{
		store:    s,
		payloads: payloads,
		pricer:   pricer,
		gate:     gate,
		ledger:   l,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		newTag:   randomTag,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func randomTag() uint32 {
	u := uuid.New()
	return binary.BigEndian.Uint32(u[:4])
}

func (e *Engine) project(ctx context.Context, op, id string) (models.Project, error) {
	p, err := store.GetDoc[models.Project](ctx, e.store, models.CollectionProjects, id)
	if err != nil {
		if store.IsNotFound(err) {
			return models.Project{}, apperr.New(apperr.NotFound, op, "unknown project %s", id)
		}
		return models.Project{}, apperr.Wrap(apperr.Internal, op, err)
	}
	return *p, nil
}

func (e *Engine) request(ctx context.Context, op, id string) (models.DonationRequest, error) {
	r, err := store.GetDoc[models.DonationRequest](ctx, e.store, models.CollectionDonations, id)
	if err != nil {
		if store.IsNotFound(err) {
			return models.DonationRequest{}, apperr.New(apperr.NotFound, op, "unknown donation request %s", id)
		}
		return models.DonationRequest{}, apperr.Wrap(apperr.Internal, op, err)
	}
	return *r, nil
}

func (e *Engine) validateAmount(op string, amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return apperr.New(apperr.InvalidInput, op, "amount must be positive")
	case amount.GreaterThan(e.cfg.MaxAmount):
		return apperr.New(apperr.InvalidInput, op, "amount exceeds the maximum of %s XRP", e.cfg.MaxAmount)
	case !amount.Equal(amount.Truncate(6)):
		return apperr.New(apperr.InvalidInput, op, "amount has more than 6 decimal places")
	}
	return nil
}

// CreateRequest opens a donation request and its signing payload. A failed
// quote blocks creation; a failed or negative eligibility check only adds a
// warning.
func (e *Engine) CreateRequest(ctx context.Context, projectID string, amount decimal.Decimal, subjectID string) (Handle, error) {
	const op = "donation.CreateRequest"
	if err := e.validateAmount(op, amount); err != nil {
		return Handle{}, err
	}
	project, err := e.project(ctx, op, projectID)
	if err != nil {
		return Handle{}, err
	}
	destination := project.Destination()
	if !checkid.ValidAddress(destination) {
		return Handle{}, apperr.New(apperr.InvalidInput, op, "project %s has no valid destination address", projectID)
	}

	var h Handle
	if e.cfg.QuoteOnCreate {
		q, err := e.pricer.Quote(ctx, project.QualityScore, project.TotalDonationsXRP)
		if err != nil {
			e.logger.Warn("donation blocked: no price quote", "project_id", projectID, "error", err)
			return Handle{}, err
		}
		h.Quote = &q
	}
	h.Eligibility, h.Warnings = e.checkDonor(ctx, project, subjectID)

	now := e.now()
	req := models.DonationRequest{
		ID:          e.newID(),
		ProjectID:   projectID,
		SubjectID:   subjectID,
		Amount:      amount,
		Destination: destination,
		Settlement:  project.Mode(),
		Status:      models.DonationCreated,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.RequestTTL),
	}
	if req.DestinationTag, err = e.reserveTag(ctx, req.ID); err != nil {
		return Handle{}, err
	}
	if _, _, err := store.CreateDoc(ctx, e.store, models.CollectionDonations, req.ID, &req); err != nil {
		return Handle{}, apperr.Wrap(apperr.Internal, op, err)
	}

	_, created, err := e.payloads.CreatePayload(ctx, models.KindDonation, req.ID, e.payloadSpec(project, req))
	if err != nil {
		e.fail(ctx, req.ID, "signing payload could not be created")
		return Handle{}, err
	}

	updated, _, err := store.ModifyDoc(ctx, e.store, models.CollectionDonations, req.ID, func(r *models.DonationRequest) (bool, error) {
		if !r.Status.CanTransition(models.DonationAwaitingSignature) {
			return false, nil
		}
		r.Status = models.DonationAwaitingSignature
		r.ProviderPayloadID = created.UUID
		if !created.ExpiresAt.IsZero() && created.ExpiresAt.Before(r.ExpiresAt) {
			r.ExpiresAt = created.ExpiresAt
		}
		return true, nil
	})
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.Internal, op, err)
	}
	e.logger.Info("donation requested", "request_id", req.ID, "project_id", projectID,
		"amount", amount.String(), "destination_tag", req.DestinationTag, "payload_id", created.UUID)

	h.Request = *updated
	h.Payload = created
	return h, nil
}

// checkDonor runs the eligibility gate against the subject's linked wallet.
func (e *Engine) checkDonor(ctx context.Context, project models.Project, subjectID string) (*eligibility.Result, []string) {
	if subjectID == "" || e.gate == nil {
		return nil, nil
	}
	wallet, err := e.payloads.LinkedWallet(ctx, subjectID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, []string{"no wallet linked; eligibility not checked"}
		}
		return nil, []string{"linked wallet could not be read: " + err.Error()}
	}
	res, err := e.gate.Check(ctx, wallet.WalletAddress, project.TokenCode, project.IssuerAddress)
	if err != nil {
		e.logger.Warn("eligibility check failed", "subject_id", subjectID, "error", err)
		return nil, []string{"eligibility could not be verified: " + err.Error()}
	}
	var warnings []string
	if !res.HasTrustline {
		warnings = append(warnings, fmt.Sprintf("wallet has no trustline for %s", project.TokenCode))
	}
	if !res.XRPBalance.IsPositive() {
		warnings = append(warnings, "wallet has no XRP balance")
	}
	return &res, warnings
}

// reserveTag claims a destination tag no other request holds.
func (e *Engine) reserveTag(ctx context.Context, requestID string) (uint32, error) {
	for i := 0; i < maxTagAttempts; i++ {
		tag := e.newTag()
		if tag == 0 {
			continue
		}
		doc := map[string]any{"requestId": requestID, "tag": tag}
		_, created, err := store.CreateDoc(ctx, e.store, models.CollectionDestinationTags, strconv.FormatUint(uint64(tag), 10), &doc)
		if err != nil {
			return 0, apperr.Wrap(apperr.Internal, "donation.reserveTag", err)
		}
		if created {
			return tag, nil
		}
	}
	return 0, apperr.New(apperr.Conflict, "donation.reserveTag", "no free destination tag after %d attempts", maxTagAttempts)
}

func (e *Engine) payloadSpec(project models.Project, req models.DonationRequest) signer.PayloadSpec {
	drops := ledger.XRPToDrops(req.Amount)
	tx := map[string]any{
		"Destination":    req.Destination,
		"DestinationTag": req.DestinationTag,
	}
	if req.Settlement == models.SettleCheck {
		tx["TransactionType"] = "CheckCreate"
		tx["SendMax"] = drops
	} else {
		tx["TransactionType"] = "Payment"
		tx["Amount"] = drops
	}
	name := project.Name
	if name == "" {
		name = project.ID
	}
	return signer.PayloadSpec{
		TxJSON:        tx,
		Submit:        true,
		ExpireMinutes: int(e.cfg.RequestTTL / time.Minute),
		Identifier:    req.ID,
		Instruction:   fmt.Sprintf("Donate %s XRP to %s", req.Amount, name),
	}
}

// GetStatus returns the request with expiry evaluated at read time. An
// expired reading does not move the stored record: a signature the wallet
// made before expiry and the provider reports later still settles it. Refresh
// reconciles with the provider for a final answer.
func (e *Engine) GetStatus(ctx context.Context, requestID string) (models.DonationRequest, error) {
	req, err := e.request(ctx, "donation.GetStatus", requestID)
	if err != nil {
		return models.DonationRequest{}, err
	}
	req.Status = req.StatusAt(e.now())
	return req, nil
}

// Refresh reconciles the request's payload with the provider, then reads the
// request.
func (e *Engine) Refresh(ctx context.Context, requestID string) (models.DonationRequest, error) {
	req, err := e.request(ctx, "donation.Refresh", requestID)
	if err != nil {
		return models.DonationRequest{}, err
	}
	if req.ProviderPayloadID != "" && (!req.Status.Terminal() || (req.Status == models.DonationSettled && !req.VolumeCounted)) {
		if _, err := e.payloads.Reconcile(ctx, req.ProviderPayloadID); err != nil {
			return models.DonationRequest{}, err
		}
	}
	return e.GetStatus(ctx, requestID)
}

// GetCurrentPrice quotes a project's token.
func (e *Engine) GetCurrentPrice(ctx context.Context, projectID string) (pricing.Quote, error) {
	project, err := e.project(ctx, "donation.GetCurrentPrice", projectID)
	if err != nil {
		return pricing.Quote{}, err
	}
	return e.pricer.Quote(ctx, project.QualityScore, project.TotalDonationsXRP)
}

// VerifySettlement looks up a settled request's transaction on the ledger.
func (e *Engine) VerifySettlement(ctx context.Context, requestID string) (ledger.TxStatus, error) {
	const op = "donation.VerifySettlement"
	req, err := e.request(ctx, op, requestID)
	if err != nil {
		return ledger.TxStatus{}, err
	}
	if req.Status != models.DonationSettled || req.SettledTxHash == "" {
		return ledger.TxStatus{}, apperr.New(apperr.Conflict, op, "request %s is %s, not settled", requestID, req.Status)
	}
	return e.ledger.TransactionStatus(ctx, req.SettledTxHash)
}

func (e *Engine) fail(ctx context.Context, requestID, reason string) {
	_, _, err := store.ModifyDoc(ctx, e.store, models.CollectionDonations, requestID, func(r *models.DonationRequest) (bool, error) {
		if !r.Status.CanTransition(models.DonationFailed) {
			return false, nil
		}
		r.Status = models.DonationFailed
		r.FailureReason = reason
		return true, nil
	})
	if err != nil {
		e.logger.Error("failed to mark donation failed", "request_id", requestID, "error", err)
	}
}
