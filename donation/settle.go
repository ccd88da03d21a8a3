package donation

import (
	"context"

	"github.com/arkantrust/donation-settlement/apperr"
	"github.com/arkantrust/donation-settlement/checkid"
	"github.com/arkantrust/donation-settlement/models"
	"github.com/arkantrust/donation-settlement/store"
)

// OnCompleted settles the request a completed payload authorised.
func (e *Engine) OnCompleted(ctx context.Context, rec models.PayloadRecord) error {
	if rec.Result == nil {
		return apperr.New(apperr.InvalidInput, "donation.OnCompleted", "payload %s has no signed result", rec.ID)
	}
	_, err := e.FinalizeOnCompletion(ctx, rec.Reference, *rec.Result)
	return err
}

// OnTerminal closes the request of a cancelled or expired payload. A
// cancellation in the wallet marks the donation failed.
func (e *Engine) OnTerminal(ctx context.Context, rec models.PayloadRecord) error {
	next, reason := models.DonationExpired, ""
	if rec.Status == models.PayloadCancelled {
		next, reason = models.DonationFailed, "signing request was declined or cancelled"
	}
	_, moved, err := store.ModifyDoc(ctx, e.store, models.CollectionDonations, rec.Reference, func(r *models.DonationRequest) (bool, error) {
		if !r.Status.CanTransition(next) {
			return false, nil
		}
		r.Status = next
		r.FailureReason = reason
		return true, nil
	})
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return apperr.Wrap(apperr.Internal, "donation.OnTerminal", err)
	}
	if moved {
		e.logger.Info("donation closed", "request_id", rec.Reference, "status", next)
	}
	return nil
}

// FinalizeOnCompletion records the settlement of a signed request. Calling it
// again for a settled request changes nothing. A blob the provider did not
// dispatch is submitted here; check settlements also resolve the Check id
// from the validated CheckCreate.
func (e *Engine) FinalizeOnCompletion(ctx context.Context, requestID string, result models.SignedResult) (models.DonationRequest, error) {
	const op = "donation.FinalizeOnCompletion"
	req, err := e.request(ctx, op, requestID)
	if err != nil {
		return models.DonationRequest{}, err
	}
	if req.Status.Terminal() {
		if req.Status == models.DonationSettled && !req.VolumeCounted {
			return e.countVolume(ctx, req)
		}
		return req, nil
	}

	hash := result.TxID
	if !result.Dispatched && result.Hex != "" {
		sr, err := e.ledger.SubmitTransaction(ctx, result.Hex)
		if err != nil {
			return req, err
		}
		if hash == "" {
			hash = sr.Hash
		}
		e.logger.Info("submitted signed donation", "request_id", requestID, "hash", sr.Hash, "engine_result", sr.EngineResult)
	}
	if hash == "" {
		return req, apperr.New(apperr.InvalidInput, op, "signed result for %s carries no transaction", requestID)
	}

	var checkID string
	if req.Settlement == models.SettleCheck {
		if checkID, err = e.resolveCheckID(ctx, hash, result.Account); err != nil {
			return req, err
		}
	}

	settled, moved, err := store.ModifyDoc(ctx, e.store, models.CollectionDonations, requestID, func(r *models.DonationRequest) (bool, error) {
		if !r.Status.CanTransition(models.DonationSettled) {
			return false, nil
		}
		now := e.now()
		r.Status = models.DonationSettled
		r.SettledTxHash = hash
		r.SettledAt = &now
		r.CheckID = checkID
		return true, nil
	})
	if err != nil {
		return req, apperr.Wrap(apperr.Internal, op, err)
	}
	if moved {
		e.logger.Info("donation settled", "request_id", requestID, "hash", hash, "check_id", checkID)
	}
	if settled.Status == models.DonationSettled && !settled.VolumeCounted {
		return e.countVolume(ctx, *settled)
	}
	return *settled, nil
}

// resolveCheckID derives the Check object id from the CheckCreate's account
// and sequence as recorded on the ledger.
func (e *Engine) resolveCheckID(ctx context.Context, hash, signedBy string) (string, error) {
	const op = "donation.resolveCheckID"
	st, err := e.ledger.TransactionStatus(ctx, hash)
	if err != nil {
		return "", err
	}
	if !st.Found {
		return "", apperr.New(apperr.LedgerQueryFailed, op, "transaction %s not yet on the ledger", hash)
	}
	if st.TxType != "" && st.TxType != "CheckCreate" {
		return "", apperr.New(apperr.InvalidInput, op, "transaction %s is a %s, not a CheckCreate", hash, st.TxType)
	}
	account := st.Account
	if account == "" {
		account = signedBy
	}
	return checkid.Generate(account, int64(st.Sequence))
}

// countVolume adds the settled amount to the project's cumulative volume
// and marks the request counted. The project records the request id in the
// same write as the total, so repeated or concurrent finalisations of one
// request count it once.
func (e *Engine) countVolume(ctx context.Context, req models.DonationRequest) (models.DonationRequest, error) {
	const op = "donation.countVolume"
	_, added, err := store.ModifyDoc(ctx, e.store, models.CollectionProjects, req.ProjectID, func(p *models.Project) (bool, error) {
		if p.CountedRequests[req.ID] {
			return false, nil
		}
		if p.CountedRequests == nil {
			p.CountedRequests = map[string]bool{}
		}
		p.CountedRequests[req.ID] = true
		p.TotalDonationsXRP = p.TotalDonationsXRP.Add(req.Amount)
		return true, nil
	})
	if err != nil && !store.IsNotFound(err) {
		return req, apperr.Wrap(apperr.Internal, op, err)
	}
	if added {
		e.logger.Info("donation volume counted", "request_id", req.ID, "project_id", req.ProjectID, "amount_xrp", req.Amount.String())
	}
	updated, _, err := store.ModifyDoc(ctx, e.store, models.CollectionDonations, req.ID, func(r *models.DonationRequest) (bool, error) {
		if r.VolumeCounted {
			return false, nil
		}
		r.VolumeCounted = true
		return true, nil
	})
	if err != nil {
		return req, apperr.Wrap(apperr.Internal, op, err)
	}
	return *updated, nil
}
