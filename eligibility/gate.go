// Package eligibility decides whether a wallet can currently donate to a
// project token.
package eligibility

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/arkantrust/donation-settlement/apperr"
	"github.com/arkantrust/donation-settlement/checkid"
)

// Ledger is the set of reads the gate performs.
type Ledger interface {
	HasTrustline(ctx context.Context, address, code, issuer string) (bool, error)
	AccountBalance(ctx context.Context, address string) (decimal.Decimal, error)
	TokenBalance(ctx context.Context, address, code, issuer string) (decimal.Decimal, error)
}

// Sub-query names reported in QueryError.
const (
	QueryTrustline    = "trustline"
	QueryXRPBalance   = "xrp_balance"
	QueryTokenBalance = "token_balance"
)

// Result is the outcome of a complete check.
type Result struct {
	HasTrustline bool            `json:"hasTrustline"`
	XRPBalance   decimal.Decimal `json:"xrpBalance"`
	TokenBalance decimal.Decimal `json:"tokenBalance"`
	CanDonate    bool            `json:"canDonate"`
}

// QueryError names the read that failed.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string { return fmt.Sprintf("%s query failed: %v", e.Query, e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

// Gate runs the eligibility reads.
type Gate struct {
	ledger Ledger
	logger *slog.Logger
}

// NewGate returns a gate over l.
func NewGate(l Ledger, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{ledger: l, logger: logger}
}

// Check runs the three reads concurrently. Either all succeed and a Result
// is returned, or the first failure is returned as a LedgerQueryFailed
// error wrapping a *QueryError; there is no partial result.
func (g *Gate) Check(ctx context.Context, address, tokenCode, issuer string) (Result, error) {
	const op = "eligibility.Check"
	if !checkid.ValidAddress(address) {
		return Result{}, apperr.New(apperr.InvalidInput, op, "invalid wallet address %q", address)
	}
	if !checkid.ValidAddress(issuer) {
		return Result{}, apperr.New(apperr.InvalidInput, op, "invalid issuer address %q", issuer)
	}
	if tokenCode == "" {
		return Result{}, apperr.New(apperr.InvalidInput, op, "token code is required")
	}

	var res Result
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		ok, err := g.ledger.HasTrustline(ectx, address, tokenCode, issuer)
		if err != nil {
			return &QueryError{Query: QueryTrustline, Err: err}
		}
		res.HasTrustline = ok
		return nil
	})
	eg.Go(func() error {
		bal, err := g.ledger.AccountBalance(ectx, address)
		if err != nil {
			return &QueryError{Query: QueryXRPBalance, Err: err}
		}
		res.XRPBalance = bal
		return nil
	})
	eg.Go(func() error {
		bal, err := g.ledger.TokenBalance(ectx, address, tokenCode, issuer)
		if err != nil {
			return &QueryError{Query: QueryTokenBalance, Err: err}
		}
		res.TokenBalance = bal
		return nil
	})
	if err := eg.Wait(); err != nil {
		g.logger.Warn("eligibility check failed", "address", address, "error", err)
		return Result{}, &apperr.Error{Kind: apperr.LedgerQueryFailed, Op: op, Err: err}
	}

	res.CanDonate = res.HasTrustline && res.XRPBalance.IsPositive()
	return res, nil
}
