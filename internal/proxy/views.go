package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/capmath"
	"github.com/atmx/arbitration-proxy/internal/ident"
	"github.com/atmx/arbitration-proxy/internal/model"
	"github.com/atmx/arbitration-proxy/internal/store"
)

// Read-only views. They never take the mutex and may read through a cache,
// so they can lag a just-committed write; operations that write re-read
// under store.Uncached.

// Request returns the request for (arbitrationID, requester). A request that
// was never made, or was deleted, reports StatusNone.
func (s *Service) Request(ctx context.Context, arbitrationID, requester string) (*model.ArbitrationRequest, error) {
	arbitrationID, requester, err := normalize(arbitrationID, requester)
	if err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, arbitrationID, requester)
	if errors.Is(err, store.ErrNotFound) {
		return &model.ArbitrationRequest{
			ArbitrationID: arbitrationID,
			Requester:     requester,
			Status:        model.StatusNone,
		}, nil
	}
	return req, err
}

// Requests lists every request made for the question, oldest first,
// including ones that lost the race or are still awaiting the home proxy.
func (s *Service) Requests(ctx context.Context, arbitrationID string) ([]model.ArbitrationRequest, error) {
	id, err := ident.QuestionID(arbitrationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	reqs, err := s.store.ListRequests(ctx, id)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []model.ArbitrationRequest{}
	}
	return reqs, nil
}

// NumberOfRounds returns how many funding rounds the bound request has.
func (s *Service) NumberOfRounds(ctx context.Context, arbitrationID string) (int, error) {
	req, err := s.requestFor(ctx, arbitrationID)
	if errors.Is(err, ErrInvalidStatus) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(req.Rounds), nil
}

// RoundInfo summarizes one funding round.
func (s *Service) RoundInfo(ctx context.Context, arbitrationID string, round int) (model.RoundInfo, error) {
	r, err := s.round(ctx, arbitrationID, round)
	if err != nil {
		return model.RoundInfo{}, err
	}
	paid := make(map[uint64]decimal.Decimal, len(r.FundedAnswers))
	for _, a := range r.FundedAnswers {
		paid[a] = r.PaidFees[a]
	}
	return model.RoundInfo{
		Round:         round,
		PaidFees:      paid,
		FeeRewards:    r.FeeRewards,
		FundedAnswers: append([]uint64(nil), r.FundedAnswers...),
	}, nil
}

// FundingStatus reports what was raised for answer in round.
func (s *Service) FundingStatus(ctx context.Context, arbitrationID string, round int, answer uint64) (model.FundingStatus, error) {
	r, err := s.round(ctx, arbitrationID, round)
	if err != nil {
		return model.FundingStatus{}, err
	}
	return model.FundingStatus{
		Answer:   answer,
		PaidFees: r.PaidFees[answer],
		Funded:   r.HasPaid[answer],
	}, nil
}

// ContributionsToSuccessfulFundings returns the funded answers of round and
// contributor's stake in each.
func (s *Service) ContributionsToSuccessfulFundings(ctx context.Context, arbitrationID string, round int, contributor string) (map[uint64]decimal.Decimal, error) {
	r, err := s.round(ctx, arbitrationID, round)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]decimal.Decimal, len(r.FundedAnswers))
	for _, a := range r.FundedAnswers {
		out[a] = r.Contribution(contributor, a)
	}
	return out, nil
}

// TotalWithdrawableAmount sums what beneficiary could withdraw for answers
// across every round. It is zero until the arbitration is ruled.
func (s *Service) TotalWithdrawableAmount(ctx context.Context, arbitrationID, beneficiary string, answers []uint64) (decimal.Decimal, error) {
	req, err := s.requestFor(ctx, arbitrationID)
	if errors.Is(err, ErrInvalidStatus) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if req.Status != model.StatusRuled {
		return decimal.Zero, nil
	}

	total := decimal.Zero
	for i := range req.Rounds {
		round := &req.Rounds[i]
		seen := make(map[uint64]bool, len(answers))
		for _, a := range answers {
			if seen[a] {
				continue
			}
			seen[a] = true
			total = capmath.Add(total, rewardFor(round, req.Ruling, beneficiary, a))
		}
	}
	return total, nil
}

// Multipliers returns the winner and loser multipliers and their divisor.
func (s *Service) Multipliers() (winner, loser, divisor int64) {
	return s.settings.WinnerMultiplier, s.settings.LoserMultiplier, capmath.MultiplierDivisor
}

// DisputeFee returns the current arbitration cost a requester must deposit.
func (s *Service) DisputeFee(ctx context.Context) (decimal.Decimal, error) {
	return s.arbitrator.QuoteCost(ctx, s.settings.ArbitratorExtraData)
}

// ArbitrationIDForDispute maps a pending dispute back to its question.
func (s *Service) ArbitrationIDForDispute(ctx context.Context, disputeID uint64) (string, error) {
	details, err := s.store.GetDisputeDetails(ctx, disputeID)
	if err != nil {
		return "", err
	}
	return details.ArbitrationID, nil
}

func (s *Service) round(ctx context.Context, arbitrationID string, round int) (*model.Round, error) {
	req, err := s.requestFor(ctx, arbitrationID)
	if err != nil {
		return nil, err
	}
	if round < 0 || round >= len(req.Rounds) {
		return nil, fmt.Errorf("%w: %d of %d", ErrRoundNotFound, round, len(req.Rounds))
	}
	return &req.Rounds[round], nil
}
