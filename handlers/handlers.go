// Package handlers exposes the settlement core over HTTP.
//
// Every mutating endpoint is safe to retry:
//
//   - POST /wallet-links supersedes the caller's open link, so a retried
//     request leaves exactly one pending link behind.
//   - POST /webhooks/signer funnels into the same atomic completion path as
//     polling; a redelivered webhook is a no-op.
//   - GET /donations/{id}?refresh=true reconciles with the signing provider and
//     finalises at most once.
//
// POST /donations is not idempotent: each call reserves a fresh destination
// tag and payload. Clients retry by polling the returned request instead.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/arkantrust/donation-settlement/apperr"
	"github.com/arkantrust/donation-settlement/donation"
	"github.com/arkantrust/donation-settlement/identity"
	"github.com/arkantrust/donation-settlement/ledger"
	"github.com/arkantrust/donation-settlement/models"
	"github.com/arkantrust/donation-settlement/payload"
	"github.com/arkantrust/donation-settlement/pricing"
	"github.com/arkantrust/donation-settlement/signer"
)

// maxWebhookBody bounds what the webhook endpoint reads.
const maxWebhookBody = 1 << 20

// Payloads is the part of the payload coordinator the API uses.
type Payloads interface {
	CreateWalletLink(ctx context.Context, subjectID string) (payload.LinkHandle, error)
	PollLinkStatus(ctx context.Context, payloadID string) (payload.LinkStatus, error)
	HandlePush(ctx context.Context, payloadID string, st *signer.Status) (models.PayloadRecord, error)
}

// Donations is the part of the settlement engine the API uses.
type Donations interface {
	CreateRequest(ctx context.Context, projectID string, amount decimal.Decimal, subjectID string) (donation.Handle, error)
	GetStatus(ctx context.Context, requestID string) (models.DonationRequest, error)
	Refresh(ctx context.Context, requestID string) (models.DonationRequest, error)
	GetCurrentPrice(ctx context.Context, projectID string) (pricing.Quote, error)
	VerifySettlement(ctx context.Context, requestID string) (ledger.TxStatus, error)
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Payloads  Payloads
	Donations Donations
	Identity  identity.Verifier

	// WebhookSecret keys webhook signatures. Empty disables verification.
	WebhookSecret string
	CORSOrigin    string

	// Health, when set, is consulted by GET /health.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a new Handler.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.CORSOrigin == "" {
		d.CORSOrigin = "*"
	}
	return &Handler{deps: d, logger: logger}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)
	r.Use(corsMiddleware(h.deps.CORSOrigin))

	r.Get("/health", h.health)
	r.Get("/projects/{id}/price", h.currentPrice)
	r.Post("/webhooks/signer", h.signerWebhook)

	r.Route("/wallet-links", func(r chi.Router) {
		r.With(h.authenticate(true)).Post("/", h.createWalletLink)
		r.Get("/{payloadId}", h.pollWalletLink)
	})
	r.Route("/donations", func(r chi.Router) {
		r.With(h.authenticate(false)).Post("/", h.createDonation)
		r.Get("/{id}", h.donationStatus)
		r.Get("/{id}/settlement", h.verifySettlement)
	})
	return r
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Expired, apperr.Cancelled:
		return http.StatusGone
	case apperr.LedgerQueryFailed, apperr.ProviderUnavailable:
		return http.StatusBadGateway
	case apperr.RateUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeAppError translates a classified error. Internal errors are logged
// and replaced with a generic message.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	if apperr.Retryable(err) {
		h.logger.Warn("upstream failure", "path", r.URL.Path, "kind", kind.String(), "error", err)
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createWalletLink handles POST /wallet-links for the authenticated subject.
// A retry supersedes the previous link, so the response always describes
// the one link still open.
func (h *Handler) createWalletLink(w http.ResponseWriter, r *http.Request) {
	who, _ := identityFrom(r.Context())
	handle, err := h.deps.Payloads.CreateWalletLink(r.Context(), who.SubjectID)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

// pollWalletLink handles GET /wallet-links/{payloadId}. It reconciles with
// the provider before answering.
func (h *Handler) pollWalletLink(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Payloads.PollLinkStatus(r.Context(), chi.URLParam(r, "payloadId"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type createDonationBody struct {
	ProjectID string          `json:"projectId"`
	Amount    decimal.Decimal `json:"amount"`
}

// createDonation handles POST /donations. Authentication is optional; an
// authenticated donor gets an eligibility report alongside the payload.
func (h *Handler) createDonation(w http.ResponseWriter, r *http.Request) {
	var body createDonationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}
	who, _ := identityFrom(r.Context())

	handle, err := h.deps.Donations.CreateRequest(r.Context(), body.ProjectID, body.Amount, who.SubjectID)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

// donationStatus handles GET /donations/{id}. With ?refresh=true the
// request is reconciled with the provider first; otherwise the stored
// record is returned with expiry applied lazily.
func (h *Handler) donationStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	var (
		req models.DonationRequest
		err error
	)
	if refresh {
		req, err = h.deps.Donations.Refresh(r.Context(), id)
	} else {
		req, err = h.deps.Donations.GetStatus(r.Context(), id)
	}
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// verifySettlement handles GET /donations/{id}/settlement: the ledger's view
// of a settled request's transaction.
func (h *Handler) verifySettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Donations.VerifySettlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) currentPrice(w http.ResponseWriter, r *http.Request) {
	q, err := h.deps.Donations.GetCurrentPrice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// signerWebhook handles POST /webhooks/signer. The provider retries on any
// non-2xx answer, so only transient failures are reported as errors; a
// payload this service never issued is acknowledged and ignored.
func (h *Handler) signerWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if h.deps.WebhookSecret != "" {
		ts := r.Header.Get(signer.HeaderTimestamp)
		sig := r.Header.Get(signer.HeaderSignature)
		if !signer.VerifyWebhook(h.deps.WebhookSecret, ts, body, sig) {
			writeError(w, http.StatusUnauthorized, "invalid webhook signature")
			return
		}
	}

	hook, err := signer.DecodeWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unrecognised webhook body")
		return
	}
	rec, err := h.deps.Payloads.HandlePush(r.Context(), hook.PayloadID, hook.Status)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		h.logger.Info("webhook for unknown payload ignored", "payload_id", hook.PayloadID)
		writeJSON(w, http.StatusOK, map[string]string{"payloadId": hook.PayloadID, "status": "ignored"})
	case err != nil:
		h.writeAppError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"payloadId": rec.ID, "status": string(rec.Status)})
	}
}
