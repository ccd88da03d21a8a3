// Package pricing computes the dynamic token price of a project from its
// quality score and cumulative donation volume, and caches the exchange rate
// the computation depends on.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arkantrust/donation-settlement/apperr"
)

// MaxRateAge is the oldest rate CalculatePrice accepts.
const MaxRateAge = time.Hour

// ErrInvalidRate is returned when a rate is not strictly positive.
var ErrInvalidRate = errors.New("exchange rate must be positive")

// Parameters are the coefficients of the pricing formula.
type Parameters struct {
	BasePrice           float64 `json:"basePrice" mapstructure:"base_price"`
	QualityCoefficient  float64 `json:"qualityCoefficient" mapstructure:"quality_coefficient"`
	DonationCoefficient float64 `json:"donationCoefficient" mapstructure:"donation_coefficient"`
	ReferenceDonation   float64 `json:"referenceDonation" mapstructure:"reference_donation"`
}

// DefaultParameters are used when configuration supplies none.
var DefaultParameters = Parameters{
	BasePrice:           1.0,
	QualityCoefficient:  0.5,
	DonationCoefficient: 0.3,
	ReferenceDonation:   100,
}

// Validate checks the parameter invariants.
func (p Parameters) Validate() error {
	if problems := p.problems(); len(problems) > 0 {
		return &InputError{Problems: problems}
	}
	return nil
}

func (p Parameters) problems() []string {
	var out []string
	if !(p.BasePrice > 0) || math.IsInf(p.BasePrice, 0) {
		out = append(out, "basePrice must be positive")
	}
	if !(p.ReferenceDonation > 0) || math.IsInf(p.ReferenceDonation, 0) {
		out = append(out, "referenceDonation must be positive")
	}
	if math.IsNaN(p.QualityCoefficient) || math.IsInf(p.QualityCoefficient, 0) {
		out = append(out, "qualityCoefficient must be finite")
	}
	if math.IsNaN(p.DonationCoefficient) || math.IsInf(p.DonationCoefficient, 0) {
		out = append(out, "donationCoefficient must be finite")
	}
	return out
}

// ExchangeRate is units of the pricing currency per unit of the donation
// currency (USD per XRP).
type ExchangeRate struct {
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Quote is a price in the pricing currency and in the donation currency.
type Quote struct {
	Price          decimal.Decimal `json:"price"`
	SecondaryPrice decimal.Decimal `json:"secondaryPrice"`
	Rate           float64         `json:"rate"`
	RateSource     string          `json:"rateSource,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// InputError lists every rejected pricing input.
type InputError struct {
	Problems []string
}

func (e *InputError) Error() string {
	return "invalid pricing inputs: " + strings.Join(e.Problems, "; ")
}

// ValidateInputs checks all inputs independently and reports every problem
// found as an InvalidInput error wrapping *InputError.
func ValidateInputs(qualityScore, volume float64, params Parameters, rate ExchangeRate, now time.Time) error {
	var problems []string
	if !(qualityScore >= 0 && qualityScore <= 1) {
		problems = append(problems, "qualityScore must be between 0 and 1")
	}
	if !(volume >= 0) || math.IsInf(volume, 0) {
		problems = append(problems, "donation volume must be a non-negative number")
	}
	problems = append(problems, params.problems()...)
	if !(rate.Rate > 0) || math.IsInf(rate.Rate, 0) {
		problems = append(problems, "rate must be positive")
	}
	if rate.Timestamp.IsZero() || now.Sub(rate.Timestamp) > MaxRateAge {
		problems = append(problems, fmt.Sprintf("rate is older than %s", MaxRateAge))
	}
	if len(problems) == 0 {
		return nil
	}
	return apperr.Wrap(apperr.InvalidInput, "pricing.ValidateInputs", &InputError{Problems: problems})
}

// CalculatePrice evaluates
//
//	price = base + qc*quality + dc*ln(1 + volume*rate/reference)
//
// floored at the base price and rounded to 4 places. The secondary price is
// price/rate rounded to 6 places.
func CalculatePrice(qualityScore, volume float64, params Parameters, rate ExchangeRate, now time.Time) (Quote, error) {
	if !(rate.Rate > 0) {
		return Quote{}, apperr.Wrap(apperr.InvalidInput, "pricing.CalculatePrice", ErrInvalidRate)
	}
	if err := ValidateInputs(qualityScore, volume, params, rate, now); err != nil {
		return Quote{}, err
	}

	totalValue := volume * rate.Rate
	price := params.BasePrice +
		params.QualityCoefficient*qualityScore +
		params.DonationCoefficient*math.Log1p(totalValue/params.ReferenceDonation)
	if price < params.BasePrice || math.IsNaN(price) {
		price = params.BasePrice
	}
	if math.IsInf(price, 0) {
		return Quote{}, apperr.New(apperr.InvalidInput, "pricing.CalculatePrice", "price overflows")
	}

	p := decimal.NewFromFloat(price).Round(4)
	secondary := p.DivRound(decimal.NewFromFloat(rate.Rate), 6)
	return Quote{
		Price:          p,
		SecondaryPrice: secondary,
		Rate:           rate.Rate,
		RateSource:     rate.Source,
		Timestamp:      now,
	}, nil
}
