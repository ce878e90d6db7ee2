// Package model defines the core domain types shared across the arbitration proxy.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an arbitration request.
type Status string

const (
	StatusNone      Status = "none"
	StatusRequested Status = "requested"
	StatusCreated   Status = "created"
	StatusRuled     Status = "ruled"
	StatusFailed    Status = "failed"
)

// RefuseToArbitrate is the offset answer reported when the arbitrator rules 0.
const RefuseToArbitrate uint64 = math.MaxUint64

// AnswerFromRuling converts an arbitrator ruling into the answer convention
// used by the question oracle (ruling - 1).
func AnswerFromRuling(ruling uint64) uint64 {
	if ruling == 0 {
		return RefuseToArbitrate
	}
	return ruling - 1
}

// ArbitrationRequest is the per-(question, requester) record on the foreign domain.
type ArbitrationRequest struct {
	ArbitrationID string          `json:"arbitration_id" db:"arbitration_id"`
	Requester     string          `json:"requester" db:"requester"`
	Status        Status          `json:"status" db:"status"`
	Deposit       decimal.Decimal `json:"deposit" db:"deposit"`     // zeroed once consumed
	MaxPrevious   decimal.Decimal `json:"max_previous" db:"max_previous"`
	DisputeID     uint64          `json:"dispute_id" db:"dispute_id"`
	Ruling        uint64          `json:"ruling" db:"ruling"` // final ruling, raw
	Answer        uint64          `json:"answer" db:"answer"` // final ruling - 1
	Rounds        []Round         `json:"rounds" db:"rounds"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LastRound returns the round currently open for funding, or nil when the
// request has no rounds yet.
func (r *ArbitrationRequest) LastRound() *Round {
	if len(r.Rounds) == 0 {
		return nil
	}
	return &r.Rounds[len(r.Rounds)-1]
}

// Clone returns a deep copy so callers can mutate it without touching
// stored state.
func (r *ArbitrationRequest) Clone() *ArbitrationRequest {
	c := *r
	if r.Rounds != nil {
		c.Rounds = make([]Round, len(r.Rounds))
		for i := range r.Rounds {
			c.Rounds[i] = r.Rounds[i].Clone()
		}
	}
	return &c
}

// ContributionKey identifies one contributor's stake on one answer within a round.
// Its text form is "contributor/answer" so rounds serialize as plain JSON objects.
type ContributionKey struct {
	Contributor string
	Answer      uint64
}

var errBadContributionKey = errors.New("model: malformed contribution key")

func (k ContributionKey) MarshalText() ([]byte, error) {
	return []byte(k.Contributor + "/" + strconv.FormatUint(k.Answer, 10)), nil
}

func (k *ContributionKey) UnmarshalText(text []byte) error {
	contributor, answer, ok := strings.Cut(string(text), "/")
	if !ok || contributor == "" {
		return fmt.Errorf("%w: %q", errBadContributionKey, text)
	}
	v, err := strconv.ParseUint(answer, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", errBadContributionKey, text)
	}
	k.Contributor = contributor
	k.Answer = v
	return nil
}

// Round is one appeal-funding round of a dispute.
// Invariant: for every answer a, the sum of Contributions[{*, a}] equals PaidFees[a].
type Round struct {
	PaidFees      map[uint64]decimal.Decimal          `json:"paid_fees"`
	HasPaid       map[uint64]bool                     `json:"has_paid"`
	Contributions map[ContributionKey]decimal.Decimal `json:"contributions"`
	FeeRewards    decimal.Decimal                     `json:"fee_rewards"`
	FundedAnswers []uint64                            `json:"funded_answers"`
}

// NewRound returns an empty round ready for contributions.
func NewRound() Round {
	return Round{
		PaidFees:      make(map[uint64]decimal.Decimal),
		HasPaid:       make(map[uint64]bool),
		Contributions: make(map[ContributionKey]decimal.Decimal),
		FeeRewards:    decimal.Zero,
	}
}

// Contribution returns what contributor has put toward answer this round.
func (r *Round) Contribution(contributor string, answer uint64) decimal.Decimal {
	return r.Contributions[ContributionKey{Contributor: contributor, Answer: answer}]
}

// Clone returns a deep copy of the round.
func (r Round) Clone() Round {
	c := NewRound()
	for k, v := range r.PaidFees {
		c.PaidFees[k] = v
	}
	for k, v := range r.HasPaid {
		c.HasPaid[k] = v
	}
	for k, v := range r.Contributions {
		c.Contributions[k] = v
	}
	c.FeeRewards = r.FeeRewards
	if r.FundedAnswers != nil {
		c.FundedAnswers = append([]uint64(nil), r.FundedAnswers...)
	}
	return c
}

// DisputeDetails maps an arbitrator dispute back to the request that created it.
// It exists only while that request is in StatusCreated.
type DisputeDetails struct {
	DisputeID     uint64 `json:"dispute_id" db:"dispute_id"`
	ArbitrationID string `json:"arbitration_id" db:"arbitration_id"`
	Requester     string `json:"requester" db:"requester"`
}

// RoundInfo is a read-only summary of a round.
type RoundInfo struct {
	Round         int                        `json:"round"`
	PaidFees      map[uint64]decimal.Decimal `json:"paid_fees"`
	FeeRewards    decimal.Decimal            `json:"fee_rewards"`
	FundedAnswers []uint64                   `json:"funded_answers"`
}

// FundingStatus reports how far an answer is from its threshold in a round.
type FundingStatus struct {
	Answer   uint64          `json:"answer"`
	PaidFees decimal.Decimal `json:"paid_fees"`
	Funded   bool            `json:"funded"`
}
