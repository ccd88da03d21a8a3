package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DonationStatus is the lifecycle of a donation request.
type DonationStatus string

const (
	DonationCreated           DonationStatus = "created"
	DonationAwaitingSignature DonationStatus = "awaiting_signature"
	DonationSettled           DonationStatus = "settled"
	DonationExpired           DonationStatus = "expired"
	DonationFailed            DonationStatus = "failed"
)

// Terminal reports whether s is absorbing.
func (s DonationStatus) Terminal() bool {
	return s == DonationSettled || s == DonationExpired || s == DonationFailed
}

func (s DonationStatus) rank() int {
	switch s {
	case DonationCreated:
		return 0
	case DonationAwaitingSignature:
		return 1
	case DonationSettled, DonationExpired, DonationFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a forward step.
func (s DonationStatus) CanTransition(next DonationStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// SettlementMode selects the ledger transaction a donor signs.
type SettlementMode string

const (
	SettlePayment SettlementMode = "payment"
	SettleCheck   SettlementMode = "check"
)

// DonationRequest is a donor's intent to transfer XRP to a project.
type DonationRequest struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	SubjectID string `json:"subjectId,omitempty"`

	// Amount is in XRP and fixed at creation. It is never recomputed from
	// a price quote.
	Amount decimal.Decimal `json:"amount"`

	// DestinationTag tells apart concurrently pending requests that pay the
	// same destination address.
	DestinationTag uint32         `json:"destinationTag"`
	Destination    string         `json:"destination"`
	Settlement     SettlementMode `json:"settlement"`

	Status            DonationStatus `json:"status"`
	ProviderPayloadID string         `json:"providerPayloadId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	SettledAt         *time.Time     `json:"settledAt,omitempty"`
	SettledTxHash     string         `json:"settledTxHash,omitempty"`

	// CheckID addresses the ledger Check object for check settlements.
	CheckID       string `json:"checkId,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	// VolumeCounted is set once Amount has been added to the project's
	// cumulative volume.
	VolumeCounted bool `json:"volumeCounted"`
}

// StatusAt evaluates expiry lazily: a non-terminal request past ExpiresAt
// reads as expired. The reading is provisional until the payload is
// reconciled, since a signature made in time and reported late still settles
// the request.
func (r DonationRequest) StatusAt(now time.Time) DonationStatus {
	if !r.Status.Terminal() && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
		return DonationExpired
	}
	return r.Status
}
