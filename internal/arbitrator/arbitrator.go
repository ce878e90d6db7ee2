// Package arbitrator defines the arbitration-service capability consumed by
// the proxy, plus an in-process auto-appealable implementation used by the
// development server and tests.
package arbitrator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Arbitrator is the external arbitration service.
type Arbitrator interface {
	// QuoteCost returns the fee required to open a dispute.
	QuoteCost(ctx context.Context, extraData []byte) (decimal.Decimal, error)

	// CreateDispute opens a dispute paying fee. Failures are reported in the
	// outcome rather than as a separate error so callers must branch on them.
	CreateDispute(ctx context.Context, choices uint64, extraData []byte, fee decimal.Decimal) CreateOutcome

	// QuoteAppealCost returns the fee required to appeal the current ruling.
	QuoteAppealCost(ctx context.Context, disputeID uint64, extraData []byte) (decimal.Decimal, error)

	// AppealWindow returns the period during which the current ruling can be appealed.
	// Both values are zero when no window is open.
	AppealWindow(ctx context.Context, disputeID uint64) (start, end time.Time, err error)

	// LeadingAnswer returns the current (not yet final) ruling.
	LeadingAnswer(ctx context.Context, disputeID uint64) (uint64, error)

	// RaiseAppeal appeals the current ruling paying fee.
	RaiseAppeal(ctx context.Context, disputeID uint64, extraData []byte, fee decimal.Decimal) error
}

// CreateOutcome is the result of a dispute-creation attempt.
type CreateOutcome struct {
	DisputeID uint64
	Err       error
}

// OK reports whether the dispute was created.
func (o CreateOutcome) OK() bool { return o.Err == nil }

// Created is a successful outcome.
func Created(id uint64) CreateOutcome { return CreateOutcome{DisputeID: id} }

// Rejected is a failed outcome.
func Rejected(err error) CreateOutcome { return CreateOutcome{Err: err} }

// Ruler receives final rulings from the arbitrator.
type Ruler interface {
	Rule(ctx context.Context, caller string, disputeID uint64, ruling uint64) error
}
