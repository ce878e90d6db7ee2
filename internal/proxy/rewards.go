package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/capmath"
	"github.com/atmx/arbitration-proxy/internal/events"
	"github.com/atmx/arbitration-proxy/internal/model"
	"github.com/atmx/arbitration-proxy/internal/store"
)

// Withdraw pays beneficiary what it is owed for its contribution to answer
// in round. Anyone may trigger it; the reward always goes to beneficiary.
func (s *Service) Withdraw(ctx context.Context, arbitrationID, beneficiary string, round int, answer uint64) (decimal.Decimal, error) {
	return s.WithdrawForMultipleAnswers(ctx, arbitrationID, beneficiary, round, []uint64{answer})
}

// WithdrawForMultipleAnswers withdraws the rewards for several answers of
// one round and returns the total paid.
func (s *Service) WithdrawForMultipleAnswers(ctx context.Context, arbitrationID, beneficiary string, round int, answers []uint64) (decimal.Decimal, error) {
	arbitrationID, beneficiary, err := normalize(arbitrationID, beneficiary)
	if err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	total, out, err := s.withdraw(store.Uncached(ctx), arbitrationID, beneficiary, func(req *model.ArbitrationRequest) ([]int, error) {
		if round < 0 || round >= len(req.Rounds) {
			return nil, fmt.Errorf("%w: %d of %d", ErrRoundNotFound, round, len(req.Rounds))
		}
		return []int{round}, nil
	}, answers)
	s.mu.Unlock()
	if err != nil {
		return decimal.Zero, err
	}
	return total, s.release(ctx, out)
}

// WithdrawForAllRounds withdraws the rewards for answers across every round
// and returns the total paid.
func (s *Service) WithdrawForAllRounds(ctx context.Context, arbitrationID, beneficiary string, answers []uint64) (decimal.Decimal, error) {
	arbitrationID, beneficiary, err := normalize(arbitrationID, beneficiary)
	if err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	total, out, err := s.withdraw(store.Uncached(ctx), arbitrationID, beneficiary, func(req *model.ArbitrationRequest) ([]int, error) {
		rounds := make([]int, len(req.Rounds))
		for i := range rounds {
			rounds[i] = i
		}
		return rounds, nil
	}, answers)
	s.mu.Unlock()
	if err != nil {
		return decimal.Zero, err
	}
	return total, s.release(ctx, out)
}

// withdraw zeroes every rewarded contribution, commits, and schedules one
// payout for the total.
func (s *Service) withdraw(ctx context.Context, arbitrationID, beneficiary string,
	pick func(*model.ArbitrationRequest) ([]int, error), answers []uint64) (decimal.Decimal, *effects, error) {
	req, err := s.requestFor(ctx, arbitrationID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if req.Status != model.StatusRuled {
		return decimal.Zero, nil, fmt.Errorf("%w: %s is %s", ErrNotResolved, arbitrationID, req.Status)
	}
	rounds, err := pick(req)
	if err != nil {
		return decimal.Zero, nil, err
	}

	out := &effects{}
	total := decimal.Zero
	for _, i := range rounds {
		round := &req.Rounds[i]
		for _, answer := range answers {
			reward := rewardFor(round, req.Ruling, beneficiary, answer)
			if !reward.IsPositive() {
				continue
			}
			round.Contributions[model.ContributionKey{Contributor: beneficiary, Answer: answer}] = decimal.Zero
			total = capmath.Add(total, reward)

			ev := s.event(events.Withdrawal, arbitrationID, req.Requester)
			ev.Round, ev.Answer, ev.Account, ev.Amount = i, answer, beneficiary, reward
			out.notify(ev)
		}
	}
	if !total.IsPositive() {
		return decimal.Zero, out, nil
	}

	req.UpdatedAt = s.now().UTC()
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return decimal.Zero, nil, fmt.Errorf("save request: %w", err)
	}

	slog.InfoContext(ctx, "rewards withdrawn",
		"arbitration_id", arbitrationID, "account", beneficiary, "amount", total.String())

	out.pay(beneficiary, total, "appeal reward")
	return total, out, nil
}

// rewardFor computes what beneficiary may withdraw for answer in round given
// the final ruling.
func rewardFor(round *model.Round, ruling uint64, beneficiary string, answer uint64) decimal.Decimal {
	contribution := round.Contribution(beneficiary, answer)
	switch {
	case !round.HasPaid[answer]:
		// Not fully funded: reimburse.
		return contribution
	case !round.HasPaid[ruling]:
		// Neither funded side won: split the pool between both sides.
		if len(round.FundedAnswers) < 2 {
			return decimal.Zero
		}
		both := capmath.Add(round.PaidFees[round.FundedAnswers[0]], round.PaidFees[round.FundedAnswers[1]])
		return capmath.MulDiv(contribution, round.FeeRewards, both)
	case answer == ruling:
		return capmath.MulDiv(contribution, round.FeeRewards, round.PaidFees[answer])
	}
	return decimal.Zero
}
