package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Engine prices projects with a cached live rate.
type Engine struct {
	params Parameters
	rates  *RateCache
	now    func() time.Time
}

// NewEngine validates params and returns an engine reading rates from cache.
func NewEngine(params Parameters, cache *RateCache) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: params, rates: cache, now: cache.now}, nil
}

// Parameters returns the configured coefficients.
func (e *Engine) Parameters() Parameters { return e.params }

// Quote prices a project. The cumulative volume is converted with the
// current rate, not the rates in force when each donation was made.
func (e *Engine) Quote(ctx context.Context, qualityScore float64, volume decimal.Decimal) (Quote, error) {
	rate, err := e.rates.Get(ctx)
	if err != nil {
		return Quote{}, err
	}
	return CalculatePrice(qualityScore, volume.InexactFloat64(), e.params, rate, e.now())
}
