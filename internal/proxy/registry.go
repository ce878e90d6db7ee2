package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/bridge"
	"github.com/atmx/arbitration-proxy/internal/events"
	"github.com/atmx/arbitration-proxy/internal/model"
	"github.com/atmx/arbitration-proxy/internal/store"
)

// RequestArbitration escrows deposit and asks the home proxy to lock the
// question. maxPrevious is the largest bond the requester accepts having
// been posted on the question before arbitration starts.
//
// On error the deposit is not kept.
func (s *Service) RequestArbitration(ctx context.Context, questionID, requester string, deposit, maxPrevious decimal.Decimal) error {
	questionID, requester, err := normalize(questionID, requester)
	if err != nil {
		return err
	}
	if err := checkAmount(deposit); err != nil {
		return err
	}
	if err := checkAmount(maxPrevious); err != nil {
		return err
	}

	s.mu.Lock()
	out, err := s.requestArbitration(store.Uncached(ctx), questionID, requester, deposit, maxPrevious)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.release(ctx, out)
}

func (s *Service) requestArbitration(ctx context.Context, questionID, requester string, deposit, maxPrevious decimal.Decimal) (*effects, error) {
	disputed, err := s.store.DisputeExists(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if disputed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDisputed, questionID)
	}

	existing, err := s.store.GetRequest(ctx, questionID, requester)
	switch {
	case err == nil && existing.Status != model.StatusNone:
		return nil, fmt.Errorf("%w: %s by %s is %s", ErrAlreadyRequested, questionID, requester, existing.Status)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	cost, err := s.arbitrator.QuoteCost(ctx, s.settings.ArbitratorExtraData)
	if err != nil {
		return nil, fmt.Errorf("quote arbitration cost: %w", err)
	}
	if deposit.LessThan(cost) {
		return nil, fmt.Errorf("%w: deposit %s, cost %s", ErrInsufficientDeposit, deposit, cost)
	}

	now := s.now().UTC()
	req := &model.ArbitrationRequest{
		ArbitrationID: questionID,
		Requester:     requester,
		Status:        model.StatusRequested,
		Deposit:       deposit,
		MaxPrevious:   maxPrevious,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}
	if err := s.send(ctx, bridge.RequestAcknowledgement(questionID, requester, maxPrevious)); err != nil {
		err = fmt.Errorf("send acknowledgement request: %w", err)
		if rbErr := s.store.DeleteRequest(ctx, questionID, requester); rbErr != nil {
			slog.ErrorContext(ctx, "request left without acknowledgement request",
				"arbitration_id", questionID, "requester", requester, "err", rbErr)
			err = errors.Join(err, fmt.Errorf("roll back request: %w", rbErr))
		}
		return nil, err
	}

	slog.InfoContext(ctx, "arbitration requested",
		"arbitration_id", questionID, "requester", requester, "deposit", deposit.String())

	out := &effects{}
	ev := s.event(events.ArbitrationRequested, questionID, requester)
	ev.Amount = maxPrevious
	out.notify(ev)
	return out, nil
}

// receiveAcknowledgement handles the home proxy's confirmation that the
// question is locked for arbitration. It is reached only through Deliver.
func (s *Service) receiveAcknowledgement(ctx context.Context, questionID, requester string) error {
	s.mu.Lock()
	out, err := s.acknowledge(store.Uncached(ctx), questionID, requester)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.release(ctx, out)
}

func (s *Service) acknowledge(ctx context.Context, questionID, requester string) (*effects, error) {
	req, err := s.statusOf(ctx, questionID, requester, model.StatusRequested)
	if err != nil {
		return nil, err
	}

	out := &effects{}
	cost, err := s.arbitrator.QuoteCost(ctx, s.settings.ArbitratorExtraData)
	if err != nil {
		return nil, fmt.Errorf("quote arbitration cost: %w", err)
	}

	var reason error
	switch disputed, err := s.store.DisputeExists(ctx, questionID); {
	case err != nil:
		return nil, err
	case disputed:
		// Another requester won the question while this one was in flight.
		reason = fmt.Errorf("%w: %w", ErrDisputeCreationFailed, ErrAlreadyDisputed)
	case req.Deposit.LessThan(cost):
		reason = fmt.Errorf("%w: deposit %s below cost %s", ErrDisputeCreationFailed, req.Deposit, cost)
	}

	if reason == nil {
		outcome := s.arbitrator.CreateDispute(ctx, s.settings.choices(), s.settings.ArbitratorExtraData, cost)
		if outcome.OK() {
			return s.created(ctx, req, cost, outcome.DisputeID)
		}
		reason = fmt.Errorf("%w: %w", ErrDisputeCreationFailed, outcome.Err)
	}

	// The deposit stays escrowed until someone reconciles the failure.
	req.Status = model.StatusFailed
	req.UpdatedAt = s.now().UTC()
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}

	slog.WarnContext(ctx, "arbitration failed",
		"arbitration_id", questionID, "requester", requester, "reason", reason)

	ev := s.event(events.ArbitrationFailed, questionID, requester)
	ev.Reason = reason.Error()
	out.notify(ev)
	return out, nil
}

func (s *Service) created(ctx context.Context, req *model.ArbitrationRequest, cost decimal.Decimal, disputeID uint64) (*effects, error) {
	remainder := req.Deposit.Sub(cost)

	req.Status = model.StatusCreated
	req.DisputeID = disputeID
	req.Deposit = decimal.Zero
	req.Rounds = []model.Round{model.NewRound()}
	req.UpdatedAt = s.now().UTC()

	details := model.DisputeDetails{
		DisputeID:     disputeID,
		ArbitrationID: req.ArbitrationID,
		Requester:     req.Requester,
	}
	if err := s.store.CreateDispute(ctx, req, details); err != nil {
		// The arbitrator already holds the fee; nothing here can undo that.
		slog.ErrorContext(ctx, "dispute created but not recorded",
			"arbitration_id", req.ArbitrationID, "requester", req.Requester, "dispute_id", disputeID, "err", err)
		return nil, fmt.Errorf("record dispute %d: %w", disputeID, err)
	}

	slog.InfoContext(ctx, "arbitration created",
		"arbitration_id", req.ArbitrationID, "requester", req.Requester, "dispute_id", disputeID)

	out := &effects{}
	ev := s.event(events.ArbitrationCreated, req.ArbitrationID, req.Requester)
	ev.DisputeID = disputeID
	out.notify(ev)

	dispute := s.event(events.DisputeOpened, req.ArbitrationID, req.Requester)
	dispute.DisputeID = disputeID
	dispute.Meta = s.settings.MetaEvidence
	out.notify(dispute)

	out.pay(req.Requester, remainder, "arbitration deposit remainder")
	return out, nil
}

// receiveCancelation handles the home proxy's refusal to lock the question.
// It is reached only through Deliver.
func (s *Service) receiveCancelation(ctx context.Context, questionID, requester string) error {
	s.mu.Lock()
	out, err := s.cancel(store.Uncached(ctx), questionID, requester)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.release(ctx, out)
}

func (s *Service) cancel(ctx context.Context, questionID, requester string) (*effects, error) {
	req, err := s.statusOf(ctx, questionID, requester, model.StatusRequested)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteRequest(ctx, questionID, requester); err != nil {
		return nil, fmt.Errorf("delete request: %w", err)
	}

	slog.InfoContext(ctx, "arbitration canceled", "arbitration_id", questionID, "requester", requester)

	out := &effects{}
	out.notify(s.event(events.ArbitrationCanceled, questionID, requester))
	out.pay(requester, req.Deposit, "arbitration deposit refund")
	return out, nil
}

// HandleFailedDisputeCreation refunds the deposit of a Failed request, frees
// the record and tells the home proxy to release the question. Anyone may
// call it.
func (s *Service) HandleFailedDisputeCreation(ctx context.Context, questionID, requester string) error {
	questionID, requester, err := normalize(questionID, requester)
	if err != nil {
		return err
	}

	s.mu.Lock()
	out, err := s.reconcile(store.Uncached(ctx), questionID, requester)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.release(ctx, out)
}

func (s *Service) reconcile(ctx context.Context, questionID, requester string) (*effects, error) {
	req, err := s.statusOf(ctx, questionID, requester, model.StatusFailed)
	if err != nil {
		return nil, err
	}
	// The record goes only after the home proxy was told, so a failure on
	// either step leaves it Failed and reconcilable again.
	if err := s.send(ctx, bridge.DisputeCreationFailed(questionID, requester)); err != nil {
		return nil, fmt.Errorf("send dispute creation failure: %w", err)
	}
	if err := s.store.DeleteRequest(ctx, questionID, requester); err != nil {
		slog.ErrorContext(ctx, "reconciled request not deleted, deposit kept for retry",
			"arbitration_id", questionID, "requester", requester, "err", err)
		return nil, fmt.Errorf("delete request: %w", err)
	}

	slog.InfoContext(ctx, "failed arbitration reconciled", "arbitration_id", questionID, "requester", requester)

	out := &effects{}
	out.notify(s.event(events.ArbitrationCanceled, questionID, requester))
	out.pay(requester, req.Deposit, "failed arbitration refund")
	return out, nil
}
