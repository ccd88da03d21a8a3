package payload

import (
	"context"
	"errors"
	"time"

	"github.com/arkantrust/donation-settlement/apperr"
	"github.com/arkantrust/donation-settlement/checkid"
	"github.com/arkantrust/donation-settlement/models"
	"github.com/arkantrust/donation-settlement/signer"
	"github.com/arkantrust/donation-settlement/store"
)

const linkInstruction = "Sign in to link this wallet to your account"

// LinkHandle is what a client needs to present a wallet-link payload.
type LinkHandle struct {
	RequestID    string    `json:"requestId"`
	PayloadID    string    `json:"payloadId"`
	QRPng        string    `json:"qrPng"`
	QRURI        string    `json:"qrUri"`
	WebsocketURL string    `json:"websocketUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// LinkStatus is a wallet-link request as observed now.
type LinkStatus struct {
	RequestID     string               `json:"requestId"`
	PayloadID     string               `json:"payloadId"`
	Status        models.PayloadStatus `json:"status"`
	WalletAddress string               `json:"walletAddress,omitempty"`
	ExpiresAt     time.Time            `json:"expiresAt"`
	CompletedAt   *time.Time           `json:"completedAt,omitempty"`
}

func (c *Coordinator) linkStatus(link models.WalletLinkRequest) LinkStatus {
	return LinkStatus{
		RequestID:     link.ID,
		PayloadID:     link.ProviderPayloadID,
		Status:        link.StatusAt(c.now()),
		WalletAddress: link.ResultAddress,
		ExpiresAt:     link.ExpiresAt,
		CompletedAt:   link.CompletedAt,
	}
}

// CreateWalletLink cancels the subject's open link requests, then opens a new
// one backed by a sign-in payload.
func (c *Coordinator) CreateWalletLink(ctx context.Context, subjectID string) (LinkHandle, error) {
	const op = "payload.CreateWalletLink"
	if subjectID == "" {
		return LinkHandle{}, apperr.New(apperr.InvalidInput, op, "subject id is required")
	}
	if err := c.supersedeLinks(ctx, subjectID); err != nil {
		return LinkHandle{}, err
	}

	now := c.now()
	link := models.WalletLinkRequest{
		ID:        c.newID(),
		SubjectID: subjectID,
		Status:    models.PayloadCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(c.linkTTL),
	}
	if _, _, err := store.CreateDoc(ctx, c.store, models.CollectionWalletLinks, link.ID, &link); err != nil {
		return LinkHandle{}, apperr.Wrap(apperr.Internal, op, err)
	}

	spec := signer.SignIn(linkInstruction)
	spec.Identifier = link.ID
	spec.ExpireMinutes = int(c.linkTTL / time.Minute)
	_, created, err := c.CreatePayload(ctx, models.KindWalletLink, link.ID, spec)
	if err != nil {
		c.setLinkStatus(ctx, link.ID, models.PayloadCancelled)
		return LinkHandle{}, err
	}

	_, _, err = store.ModifyDoc(ctx, c.store, models.CollectionWalletLinks, link.ID, func(l *models.WalletLinkRequest) (bool, error) {
		if !l.Status.CanTransition(models.PayloadPending) {
			return false, nil
		}
		l.Status = models.PayloadPending
		l.ProviderPayloadID = created.UUID
		l.QRPayload = created.QRPng
		l.ExpiresAt = created.ExpiresAt
		return true, nil
	})
	if err != nil {
		return LinkHandle{}, apperr.Wrap(apperr.Internal, op, err)
	}
	c.logger.Info("wallet link opened", "request_id", link.ID, "payload_id", created.UUID, "subject_id", subjectID)
	return LinkHandle{
		RequestID:    link.ID,
		PayloadID:    created.UUID,
		QRPng:        created.QRPng,
		QRURI:        created.QRURI,
		WebsocketURL: created.WebsocketURL,
		ExpiresAt:    created.ExpiresAt,
	}, nil
}

// supersedeLinks cancels every open link request of subjectID together with
// its payload record, so a late signature on the old payload links nothing.
func (c *Coordinator) supersedeLinks(ctx context.Context, subjectID string) error {
	links, err := store.QueryDocs[models.WalletLinkRequest](ctx, c.store, models.CollectionWalletLinks, "subjectId", subjectID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "payload.supersedeLinks", err)
	}
	for _, l := range links {
		if l.Status.Terminal() {
			continue
		}
		if l.ProviderPayloadID != "" {
			if _, err := c.finish(ctx, l.ProviderPayloadID, models.PayloadCancelled, nil); err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return err
			}
		}
		c.setLinkStatus(ctx, l.ID, models.PayloadCancelled)
		c.logger.Info("wallet link superseded", "request_id", l.ID, "subject_id", subjectID)
	}
	return nil
}

func (c *Coordinator) setLinkStatus(ctx context.Context, linkID string, next models.PayloadStatus) {
	_, _, err := store.ModifyDoc(ctx, c.store, models.CollectionWalletLinks, linkID, func(l *models.WalletLinkRequest) (bool, error) {
		if !l.Status.CanTransition(next) {
			return false, nil
		}
		l.Status = next
		return true, nil
	})
	if err != nil {
		c.logger.Warn("failed to update wallet link", "request_id", linkID, "status", next, "error", err)
	}
}

// PollLinkStatus reconciles the payload and returns the link as it now
// stands.
func (c *Coordinator) PollLinkStatus(ctx context.Context, payloadID string) (LinkStatus, error) {
	rec, err := c.Reconcile(ctx, payloadID)
	if err != nil {
		return LinkStatus{}, err
	}
	if rec.Kind != models.KindWalletLink {
		return LinkStatus{}, apperr.New(apperr.NotFound, "payload.PollLinkStatus", "payload %s is not a wallet link", payloadID)
	}
	return c.GetWalletLink(ctx, rec.Reference)
}

// GetWalletLink reads a link request without contacting the provider.
func (c *Coordinator) GetWalletLink(ctx context.Context, requestID string) (LinkStatus, error) {
	link, err := store.GetDoc[models.WalletLinkRequest](ctx, c.store, models.CollectionWalletLinks, requestID)
	if err != nil {
		if store.IsNotFound(err) {
			return LinkStatus{}, apperr.New(apperr.NotFound, "payload.GetWalletLink", "unknown wallet link %s", requestID)
		}
		return LinkStatus{}, apperr.Wrap(apperr.Internal, "payload.GetWalletLink", err)
	}
	return c.linkStatus(*link), nil
}

// linkEffects applies wallet-link payload outcomes.
type linkEffects struct {
	c *Coordinator
}

func (e linkEffects) OnCompleted(ctx context.Context, rec models.PayloadRecord) error {
	const op = "payload.linkCompleted"
	if rec.Result == nil || !checkid.ValidAddress(rec.Result.Account) {
		return apperr.New(apperr.InvalidInput, op, "payload %s completed without a valid account", rec.ID)
	}
	address := rec.Result.Account
	link, _, err := store.ModifyDoc(ctx, e.c.store, models.CollectionWalletLinks, rec.Reference, func(l *models.WalletLinkRequest) (bool, error) {
		if !l.Status.CanTransition(models.PayloadCompleted) {
			return false, nil
		}
		l.Status = models.PayloadCompleted
		l.CompletedAt = rec.CompletedAt
		l.ResultAddress = address
		if l.ProviderPayloadID == "" {
			l.ProviderPayloadID = rec.ID
		}
		return true, nil
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	if link.Status != models.PayloadCompleted {
		e.c.logger.Info("signed payload of a closed wallet link ignored", "payload_id", rec.ID, "request_id", link.ID, "status", link.Status)
		return nil
	}
	linkedAt := e.c.now()
	if link.CompletedAt != nil {
		linkedAt = *link.CompletedAt
	}
	err = store.UpdateMerge(ctx, e.c.store, models.CollectionUsers, link.SubjectID, map[string]any{
		"subjectId":      link.SubjectID,
		"walletAddress":  link.ResultAddress,
		"walletLinkedAt": linkedAt,
		"linkRequestId":  link.ID,
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	e.c.logger.Info("wallet linked", "subject_id", link.SubjectID, "request_id", link.ID)
	return nil
}

func (e linkEffects) OnTerminal(ctx context.Context, rec models.PayloadRecord) error {
	e.c.setLinkStatus(ctx, rec.Reference, rec.Status)
	return nil
}

// LinkedWallet returns the subject's linked wallet.
func (c *Coordinator) LinkedWallet(ctx context.Context, subjectID string) (models.UserWallet, error) {
	w, err := store.GetDoc[models.UserWallet](ctx, c.store, models.CollectionUsers, subjectID)
	if err != nil {
		if store.IsNotFound(err) {
			return models.UserWallet{}, apperr.New(apperr.NotFound, "payload.LinkedWallet", "no wallet linked for %s", subjectID)
		}
		return models.UserWallet{}, apperr.Wrap(apperr.Internal, "payload.LinkedWallet", err)
	}
	return *w, nil
}
