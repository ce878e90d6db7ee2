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

// FundAppeal contributes up to amountSent toward appealing in favor of
// answer (a ruling, in the arbitrator's numbering). Whatever exceeds the
// answer's remaining appeal fee is returned to the contributor. When a
// second answer becomes fully funded in the current round the appeal is
// raised immediately and a new round opens.
//
// It reports whether answer is fully funded in the round contributed to.
// On error nothing is kept.
func (s *Service) FundAppeal(ctx context.Context, arbitrationID, contributor string, answer uint64, amountSent decimal.Decimal) (bool, error) {
	arbitrationID, contributor, err := normalize(arbitrationID, contributor)
	if err != nil {
		return false, err
	}
	if err := checkAmount(amountSent); err != nil {
		return false, err
	}

	s.mu.Lock()
	funded, out, err := s.fundAppeal(store.Uncached(ctx), arbitrationID, contributor, answer, amountSent)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return funded, s.release(ctx, out)
}

func (s *Service) fundAppeal(ctx context.Context, arbitrationID, contributor string, answer uint64, amountSent decimal.Decimal) (bool, *effects, error) {
	req, err := s.requestFor(ctx, arbitrationID)
	if err != nil {
		return false, nil, err
	}
	if req.Status != model.StatusCreated {
		return false, nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, arbitrationID, req.Status)
	}

	multiplier, err := s.multiplierFor(ctx, req.DisputeID, answer)
	if err != nil {
		return false, nil, err
	}

	round := req.LastRound()
	roundIndex := len(req.Rounds) - 1
	if round.HasPaid[answer] {
		return false, nil, fmt.Errorf("%w: answer %d in round %d", ErrAlreadyFunded, answer, roundIndex)
	}

	appealCost, err := s.arbitrator.QuoteAppealCost(ctx, req.DisputeID, s.settings.ArbitratorExtraData)
	if err != nil {
		return false, nil, fmt.Errorf("quote appeal cost: %w", err)
	}
	totalCost := capmath.TotalCost(appealCost, multiplier)
	contribution := capmath.Min(amountSent, capmath.Sub(totalCost, round.PaidFees[answer]))

	out := &effects{}
	key := model.ContributionKey{Contributor: contributor, Answer: answer}
	round.Contributions[key] = capmath.Add(round.Contributions[key], contribution)
	round.PaidFees[answer] = capmath.Add(round.PaidFees[answer], contribution)

	ev := s.event(events.Contribution, arbitrationID, req.Requester)
	ev.Round, ev.Answer, ev.Account, ev.Amount = roundIndex, answer, contributor, contribution
	out.notify(ev)

	if round.PaidFees[answer].GreaterThanOrEqual(totalCost) {
		round.FeeRewards = capmath.Add(round.FeeRewards, round.PaidFees[answer])
		round.FundedAnswers = append(round.FundedAnswers, answer)
		round.HasPaid[answer] = true

		ev := s.event(events.RulingFunded, arbitrationID, req.Requester)
		ev.Round, ev.Answer, ev.Amount = roundIndex, answer, round.PaidFees[answer]
		out.notify(ev)
	}
	funded := round.HasPaid[answer]

	// Raising the appeal closes this round. Exactly two answers can be
	// funded in a round because the round closes on the second.
	if len(round.FundedAnswers) > 1 {
		round.FeeRewards = capmath.Sub(round.FeeRewards, appealCost)
		if err := s.arbitrator.RaiseAppeal(ctx, req.DisputeID, s.settings.ArbitratorExtraData, appealCost); err != nil {
			return false, nil, fmt.Errorf("raise appeal for dispute %d: %w", req.DisputeID, err)
		}
		req.Rounds = append(req.Rounds, model.NewRound())

		ev := s.event(events.AppealRaised, arbitrationID, req.Requester)
		ev.DisputeID, ev.Round, ev.Amount = req.DisputeID, roundIndex, appealCost
		out.notify(ev)

		slog.InfoContext(ctx, "appeal raised",
			"arbitration_id", arbitrationID, "dispute_id", req.DisputeID, "round", roundIndex, "cost", appealCost.String())
	}

	req.UpdatedAt = s.now().UTC()
	if err := s.store.SaveRequest(ctx, req); err != nil {
		// An appeal already raised is not undone; the next contribution
		// finds the window closed and the stored round still open.
		return false, nil, fmt.Errorf("save request: %w", err)
	}

	out.pay(contributor, capmath.Sub(amountSent, contribution), "appeal contribution excess")
	return funded, out, nil
}

// multiplierFor checks the appeal window and returns the fee multiplier for
// answer. Answers other than the current ruling may only be funded during
// the first half of the window.
func (s *Service) multiplierFor(ctx context.Context, disputeID, answer uint64) (int64, error) {
	start, end, err := s.arbitrator.AppealWindow(ctx, disputeID)
	if err != nil {
		return 0, fmt.Errorf("appeal window: %w", err)
	}
	now := s.now()
	if now.Before(start) || !now.Before(end) {
		return 0, fmt.Errorf("%w: dispute %d", ErrAppealWindowClosed, disputeID)
	}

	leading, err := s.arbitrator.LeadingAnswer(ctx, disputeID)
	if err != nil {
		return 0, fmt.Errorf("current ruling: %w", err)
	}
	if answer == leading {
		return s.settings.WinnerMultiplier, nil
	}
	if now.Sub(start) >= end.Sub(start)/2 {
		return 0, fmt.Errorf("%w: dispute %d", ErrLoserWindowClosed, disputeID)
	}
	return s.settings.LoserMultiplier, nil
}
