package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDisputeNotFound = errors.New("arbitrator: dispute not found")
	ErrInsufficientFee = errors.New("arbitrator: fee below cost")
	ErrInvalidRuling   = errors.New("arbitrator: ruling out of range")
	ErrNotWaiting      = errors.New("arbitrator: dispute is not waiting for a ruling")
	ErrNotAppealable   = errors.New("arbitrator: dispute is not appealable")
	ErrPeriodNotOver   = errors.New("arbitrator: appeal period is not over")
	ErrNoRuler         = errors.New("arbitrator: no ruler registered")
)

// DisputeStatus is the arbitrator-side state of a dispute.
type DisputeStatus string

const (
	DisputeWaiting    DisputeStatus = "waiting"
	DisputeAppealable DisputeStatus = "appealable"
	DisputeSolved     DisputeStatus = "solved"
)

// Dispute is a snapshot of one dispute held by Centralized.
type Dispute struct {
	ID          uint64          `json:"id"`
	Choices     uint64          `json:"choices"`
	Fees        decimal.Decimal `json:"fees"`
	Ruling      uint64          `json:"ruling"`
	Status      DisputeStatus   `json:"status"`
	AppealStart time.Time       `json:"appeal_start"`
	AppealEnd   time.Time       `json:"appeal_end"`
	Appeals     int             `json:"appeals"`
}

// Centralized is an auto-appealable arbitrator operated by a single owner.
// The owner gives rulings with an appeal window; a funded appeal reopens the
// dispute for a new ruling, and once a window lapses the ruling is executed
// against the registered Ruler.
type Centralized struct {
	mu         sync.Mutex
	address    string
	cost       decimal.Decimal
	appealCost decimal.Decimal
	disputes   []*Dispute
	ruler      Ruler
	rejectNext error
	now        func() time.Time
}

// NewCentralized creates an arbitrator reachable at address with the given fees.
func NewCentralized(address string, cost, appealCost decimal.Decimal) *Centralized {
	return &Centralized{
		address:    address,
		cost:       cost,
		appealCost: appealCost,
		now:        time.Now,
	}
}

// Address is the identity the arbitrator presents when delivering rulings.
func (c *Centralized) Address() string { return c.address }

// SetRuler registers the party that receives final rulings.
func (c *Centralized) SetRuler(r Ruler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ruler = r
}

// SetClock overrides the time source.
func (c *Centralized) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetCost changes the dispute-creation fee.
func (c *Centralized) SetCost(v decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cost = v
}

// SetAppealCost changes the appeal fee.
func (c *Centralized) SetAppealCost(v decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appealCost = v
}

// RejectNext makes the next CreateDispute call fail with err.
func (c *Centralized) RejectNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectNext = err
}

func (c *Centralized) QuoteCost(_ context.Context, _ []byte) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cost, nil
}

func (c *Centralized) CreateDispute(_ context.Context, choices uint64, _ []byte, fee decimal.Decimal) CreateOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.rejectNext; err != nil {
		c.rejectNext = nil
		return Rejected(err)
	}
	if fee.LessThan(c.cost) {
		return Rejected(fmt.Errorf("%w: paid %s, cost %s", ErrInsufficientFee, fee, c.cost))
	}

	d := &Dispute{
		ID:      uint64(len(c.disputes)),
		Choices: choices,
		Fees:    fee,
		Status:  DisputeWaiting,
	}
	c.disputes = append(c.disputes, d)
	slog.Info("dispute created", "dispute_id", d.ID, "choices", choices, "fee", fee.String())
	return Created(d.ID)
}

func (c *Centralized) QuoteAppealCost(_ context.Context, disputeID uint64, _ []byte) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.get(disputeID); err != nil {
		return decimal.Zero, err
	}
	return c.appealCost, nil
}

func (c *Centralized) AppealWindow(_ context.Context, disputeID uint64) (time.Time, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.get(disputeID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if d.Status != DisputeAppealable {
		return time.Time{}, time.Time{}, nil
	}
	return d.AppealStart, d.AppealEnd, nil
}

func (c *Centralized) LeadingAnswer(_ context.Context, disputeID uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.get(disputeID)
	if err != nil {
		return 0, err
	}
	return d.Ruling, nil
}

func (c *Centralized) RaiseAppeal(_ context.Context, disputeID uint64, _ []byte, fee decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.get(disputeID)
	if err != nil {
		return err
	}
	if d.Status != DisputeAppealable || !c.now().Before(d.AppealEnd) {
		return ErrNotAppealable
	}
	if fee.LessThan(c.appealCost) {
		return fmt.Errorf("%w: paid %s, appeal cost %s", ErrInsufficientFee, fee, c.appealCost)
	}
	d.Status = DisputeWaiting
	d.AppealStart, d.AppealEnd = time.Time{}, time.Time{}
	d.Fees = d.Fees.Add(fee)
	d.Appeals++
	slog.Info("dispute appealed", "dispute_id", disputeID, "appeals", d.Appeals, "fee", fee.String())
	return nil
}

// GiveRuling records the owner's ruling. With a positive window the ruling
// becomes appealable until the window ends; with a zero window it is final
// and delivered immediately.
func (c *Centralized) GiveRuling(ctx context.Context, disputeID, ruling uint64, window time.Duration) error {
	c.mu.Lock()
	d, err := c.get(disputeID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if d.Status != DisputeWaiting {
		c.mu.Unlock()
		return ErrNotWaiting
	}
	if ruling > d.Choices {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", ErrInvalidRuling, ruling, d.Choices)
	}
	d.Ruling = ruling
	if window > 0 {
		d.Status = DisputeAppealable
		d.AppealStart = c.now()
		d.AppealEnd = d.AppealStart.Add(window)
		c.mu.Unlock()
		return nil
	}
	d.Status = DisputeSolved
	ruler := c.ruler
	c.mu.Unlock()

	return c.deliver(ctx, ruler, d, disputeID, ruling, DisputeWaiting)
}

// ExecuteRuling finalizes an appealable ruling whose window has lapsed.
func (c *Centralized) ExecuteRuling(ctx context.Context, disputeID uint64) error {
	c.mu.Lock()
	d, err := c.get(disputeID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if d.Status != DisputeAppealable {
		c.mu.Unlock()
		return ErrNotAppealable
	}
	if c.now().Before(d.AppealEnd) {
		c.mu.Unlock()
		return ErrPeriodNotOver
	}
	d.Status = DisputeSolved
	ruler, ruling := c.ruler, d.Ruling
	c.mu.Unlock()

	return c.deliver(ctx, ruler, d, disputeID, ruling, DisputeAppealable)
}

// Dispute returns a snapshot of the dispute.
func (c *Centralized) Dispute(disputeID uint64) (Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.get(disputeID)
	if err != nil {
		return Dispute{}, err
	}
	return *d, nil
}

// deliver runs without the lock held so the ruler may query the arbitrator;
// id and ruling are read under the lock by the caller. A rejected delivery
// puts the dispute back in its previous status so the ruling can be executed
// again.
func (c *Centralized) deliver(ctx context.Context, ruler Ruler, d *Dispute, id, ruling uint64, prev DisputeStatus) error {
	err := ErrNoRuler
	if ruler != nil {
		err = ruler.Rule(ctx, c.address, id, ruling)
	}
	if err != nil {
		c.mu.Lock()
		d.Status = prev
		c.mu.Unlock()
		return err
	}
	slog.Info("ruling executed", "dispute_id", id, "ruling", ruling)
	return nil
}

func (c *Centralized) get(disputeID uint64) (*Dispute, error) {
	if disputeID >= uint64(len(c.disputes)) {
		return nil, fmt.Errorf("%w: %d", ErrDisputeNotFound, disputeID)
	}
	return c.disputes[disputeID], nil
}
