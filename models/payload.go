package models

import "time"

// PayloadStatus is the lifecycle of a signing-provider payload. Wallet-link
// requests share the same status set.
type PayloadStatus string

const (
	PayloadCreated   PayloadStatus = "created"
	PayloadPending   PayloadStatus = "pending"
	PayloadCompleted PayloadStatus = "completed"
	PayloadCancelled PayloadStatus = "cancelled"
	PayloadExpired   PayloadStatus = "expired"
)

// Terminal reports whether s is absorbing.
func (s PayloadStatus) Terminal() bool {
	return s == PayloadCompleted || s == PayloadCancelled || s == PayloadExpired
}

func (s PayloadStatus) rank() int {
	switch s {
	case PayloadCreated:
		return 0
	case PayloadPending:
		return 1
	case PayloadCompleted, PayloadCancelled, PayloadExpired:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a forward step.
func (s PayloadStatus) CanTransition(next PayloadStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// PayloadKind says what a payload authorises.
type PayloadKind string

const (
	KindWalletLink PayloadKind = "wallet_link"
	KindDonation   PayloadKind = "donation"
)

// SignedResult is what the signing provider reports once the wallet owner
// has approved a payload.
type SignedResult struct {
	// TxID is the ledger hash of the signed transaction. Empty for sign-in
	// payloads that never reach the ledger.
	TxID string `json:"txid,omitempty"`

	// Account is the classic address that signed.
	Account string `json:"account"`

	// Hex is the signed transaction blob.
	Hex string `json:"hex,omitempty"`

	// Dispatched is true when the provider already submitted the blob.
	Dispatched bool `json:"dispatched"`

	// TxType is the ledger transaction type of the payload ("SignIn",
	// "Payment", "CheckCreate").
	TxType string `json:"txType,omitempty"`
}

// PayloadRecord tracks one provider payload. ID is the provider's uuid, so
// the poll path and the push path always address the same document.
type PayloadRecord struct {
	ID        string        `json:"id"`
	Kind      PayloadKind   `json:"kind"`
	Reference string        `json:"reference"`
	Status    PayloadStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
	UpdatedAt time.Time     `json:"updatedAt"`

	// CompletedAt is written exactly once, by the caller whose update moved
	// the record to completed.
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Result      *SignedResult `json:"result,omitempty"`

	// EffectApplied is set after the completion handler for Kind succeeded.
	EffectApplied bool `json:"effectApplied"`
	// EffectClaimedAt marks a caller running the handler. A claim older than
	// the coordinator's lease belongs to a caller that died.
	EffectClaimedAt *time.Time `json:"effectClaimedAt,omitempty"`
}

// ExpiredAt reports whether an unsigned record is past its expiry horizon.
func (p PayloadRecord) ExpiredAt(now time.Time) bool {
	return !p.Status.Terminal() && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}
