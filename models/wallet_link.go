package models

import "time"

// WalletLinkRequest binds a platform identity to the ledger address that
// signed a sign-in payload. At most one non-terminal request exists per
// subject; creating a new one cancels the previous one.
type WalletLinkRequest struct {
	ID                string        `json:"id"`
	SubjectID         string        `json:"subjectId"`
	ProviderPayloadID string        `json:"providerPayloadId,omitempty"`
	QRPayload         string        `json:"qrPayload,omitempty"`
	Status            PayloadStatus `json:"status"`
	CreatedAt         time.Time     `json:"createdAt"`
	ExpiresAt         time.Time     `json:"expiresAt"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
	ResultAddress     string        `json:"resultAddress,omitempty"`
}

// StatusAt returns the status as observed at now. A non-terminal request
// past its expiry reads as expired even before the record is rewritten.
func (r WalletLinkRequest) StatusAt(now time.Time) PayloadStatus {
	if !r.Status.Terminal() && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
		return PayloadExpired
	}
	return r.Status
}

// UserWallet is the subject's linked ledger address.
type UserWallet struct {
	SubjectID      string    `json:"subjectId"`
	WalletAddress  string    `json:"walletAddress"`
	WalletLinkedAt time.Time `json:"walletLinkedAt"`
	LinkRequestID  string    `json:"linkRequestId"`
}
