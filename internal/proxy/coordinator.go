package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/arbitration-proxy/internal/bridge"
	"github.com/atmx/arbitration-proxy/internal/events"
	"github.com/atmx/arbitration-proxy/internal/metrics"
	"github.com/atmx/arbitration-proxy/internal/model"
	"github.com/atmx/arbitration-proxy/internal/store"
)

// Deliver accepts a message relayed by the bridge. Only envelopes carried
// by the configured transport from the peer proxy are acted on; anything
// else is rejected with ErrUnauthorized.
func (s *Service) Deliver(ctx context.Context, env bridge.Envelope) error {
	m, err := s.gate.Open(env)
	if err != nil {
		metrics.ObserveBridge("in", "unknown", err)
		if errors.Is(err, bridge.ErrUnauthorized) {
			slog.WarnContext(ctx, "rejected bridge message",
				"envelope_id", env.ID, "transport", env.Transport,
				"origin_domain", env.OriginDomain, "origin_address", env.OriginAddress)
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return err
	}

	switch m.Kind {
	case bridge.KindAcknowledgeCreated:
		err = s.receiveAcknowledgement(ctx, m.QuestionID, m.Requester)
	case bridge.KindAcknowledgeCanceled:
		err = s.receiveCancelation(ctx, m.QuestionID, m.Requester)
	default:
		err = fmt.Errorf("%w: %s is not accepted by the foreign proxy", bridge.ErrUnknownKind, m.Kind)
	}
	metrics.ObserveBridge("in", string(m.Kind), err)
	return err
}

// Rule records the arbitrator's final ruling for disputeID and relays the
// answer to the home proxy. If exactly one answer was funded in the last
// round that answer wins regardless of ruling.
func (s *Service) Rule(ctx context.Context, caller string, disputeID, ruling uint64) error {
	if caller != s.settings.ArbitratorAddress {
		return fmt.Errorf("%w: only the arbitrator may rule, got %s", ErrUnauthorized, caller)
	}

	s.mu.Lock()
	out, err := s.rule(store.Uncached(ctx), disputeID, ruling)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.release(ctx, out)
}

func (s *Service) rule(ctx context.Context, disputeID, ruling uint64) (*effects, error) {
	details, err := s.store.GetDisputeDetails(ctx, disputeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: dispute %d is not pending", ErrInvalidStatus, disputeID)
	}
	if err != nil {
		return nil, err
	}
	req, err := s.statusOf(ctx, details.ArbitrationID, details.Requester, model.StatusCreated)
	if err != nil {
		return nil, err
	}

	final := ruling
	if last := req.LastRound(); last != nil && len(last.FundedAnswers) == 1 {
		final = last.FundedAnswers[0]
	}

	req.Ruling = final
	req.Answer = model.AnswerFromRuling(final)
	req.Status = model.StatusRuled
	req.UpdatedAt = s.now().UTC()
	// Commit only once the answer is on its way. If the commit fails the
	// dispute stays pending and the arbitrator redelivers the ruling; the
	// home proxy rejects the duplicate answer.
	if err := s.send(ctx, bridge.FinalAnswer(req.ArbitrationID, req.Answer)); err != nil {
		return nil, fmt.Errorf("send final answer: %w", err)
	}
	if err := s.store.ResolveDispute(ctx, req); err != nil {
		slog.ErrorContext(ctx, "final answer sent but ruling not recorded",
			"arbitration_id", req.ArbitrationID, "dispute_id", disputeID, "err", err)
		return nil, fmt.Errorf("resolve dispute %d: %w", disputeID, err)
	}

	slog.InfoContext(ctx, "arbitration ruled",
		"arbitration_id", req.ArbitrationID, "dispute_id", disputeID,
		"ruling", ruling, "final_ruling", final)

	out := &effects{}
	ev := s.event(events.Ruling, req.ArbitrationID, req.Requester)
	ev.DisputeID, ev.Answer = disputeID, final
	out.notify(ev)
	return out, nil
}
