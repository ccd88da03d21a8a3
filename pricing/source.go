package pricing

import (
	"context"

	"github.com/arkantrust/donation-settlement/ledger"
)

// OrderBookReader is the ledger query the rate source needs.
type OrderBookReader interface {
	OrderBook(ctx context.Context, base, quote ledger.Currency) (float64, error)
}

// OrderBookSource reads the rate from the best offer of a ledger order book.
type OrderBookSource struct {
	Books OrderBookReader
	Base  ledger.Currency
	Quote ledger.Currency
}

// FetchRate implements RateSource. The timestamp is left for the cache to
// stamp.
func (s OrderBookSource) FetchRate(ctx context.Context) (ExchangeRate, error) {
	rate, err := s.Books.OrderBook(ctx, s.Base, s.Quote)
	if err != nil {
		return ExchangeRate{}, err
	}
	return ExchangeRate{Rate: rate, Source: "orderbook:" + s.Base.String() + "/" + s.Quote.String()}, nil
}
