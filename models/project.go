package models

import "github.com/shopspring/decimal"

// Project is a donation target. Projects are maintained outside the
// settlement core; the core only reads them and bumps the donation volume.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// IssuerAddress and TokenCode identify the project's issued token.
	IssuerAddress string `json:"issuerAddress"`
	TokenCode     string `json:"tokenCode"`

	// DestinationAddress receives donations. Falls back to the issuer.
	DestinationAddress string         `json:"destinationAddress,omitempty"`
	Settlement         SettlementMode `json:"settlement,omitempty"`

	// QualityScore is a pre-computed health metric in [0,1].
	QualityScore float64 `json:"qualityScore"`

	// TotalDonationsXRP is the cumulative settled volume.
	TotalDonationsXRP decimal.Decimal `json:"totalDonationsXrp"`
	// CountedRequests holds the ids of requests already in the total.
	CountedRequests map[string]bool `json:"countedRequests,omitempty"`
}

// Destination returns the address donations are paid to.
func (p Project) Destination() string {
	if p.DestinationAddress != "" {
		return p.DestinationAddress
	}
	return p.IssuerAddress
}

// Mode returns the configured settlement mode, defaulting to payment.
func (p Project) Mode() SettlementMode {
	if p.Settlement == SettleCheck {
		return SettleCheck
	}
	return SettlePayment
}
