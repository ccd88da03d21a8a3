package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arkantrust/donation-settlement/models"
)

func TestPayloadStatusForwardOnly(t *testing.T) {
	assert.True(t, models.PayloadCreated.CanTransition(models.PayloadPending))
	assert.True(t, models.PayloadPending.CanTransition(models.PayloadCompleted))
	assert.True(t, models.PayloadPending.CanTransition(models.PayloadExpired))
	assert.False(t, models.PayloadPending.CanTransition(models.PayloadCreated))
	assert.False(t, models.PayloadPending.CanTransition(models.PayloadPending))

	for _, terminal := range []models.PayloadStatus{models.PayloadCompleted, models.PayloadCancelled, models.PayloadExpired} {
		assert.True(t, terminal.Terminal())
		for _, next := range []models.PayloadStatus{models.PayloadCreated, models.PayloadPending, models.PayloadCompleted, models.PayloadCancelled, models.PayloadExpired} {
			assert.False(t, terminal.CanTransition(next), "%s -> %s", terminal, next)
		}
	}
}

func TestDonationStatusForwardOnly(t *testing.T) {
	assert.True(t, models.DonationCreated.CanTransition(models.DonationAwaitingSignature))
	assert.True(t, models.DonationAwaitingSignature.CanTransition(models.DonationSettled))
	assert.False(t, models.DonationAwaitingSignature.CanTransition(models.DonationCreated))
	assert.False(t, models.DonationSettled.CanTransition(models.DonationFailed))
	assert.False(t, models.DonationCreated.CanTransition("bogus"))
}

func TestLazyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	link := models.WalletLinkRequest{Status: models.PayloadPending, ExpiresAt: now.Add(-time.Second)}
	assert.Equal(t, models.PayloadExpired, link.StatusAt(now))

	link.Status = models.PayloadCompleted
	assert.Equal(t, models.PayloadCompleted, link.StatusAt(now))

	req := models.DonationRequest{Status: models.DonationAwaitingSignature, ExpiresAt: now.Add(time.Minute)}
	assert.Equal(t, models.DonationAwaitingSignature, req.StatusAt(now))
	assert.Equal(t, models.DonationExpired, req.StatusAt(now.Add(2*time.Minute)))
}

func TestProjectDefaults(t *testing.T) {
	p := models.Project{IssuerAddress: "rIssuer"}
	assert.Equal(t, "rIssuer", p.Destination())
	assert.Equal(t, models.SettlePayment, p.Mode())

	p.DestinationAddress = "rDest"
	p.Settlement = models.SettleCheck
	assert.Equal(t, "rDest", p.Destination())
	assert.Equal(t, models.SettleCheck, p.Mode())
}
