// Package home is the home-domain counterpart of the arbitration proxy. It
// locks questions on the question oracle when arbitration is requested,
// tells the foreign proxy whether the lock succeeded, and reports the
// arbitrator's final answer back to the oracle.
//
// Relaying is split in two steps so that a lost outbound message can be
// retried by anyone: the inbound handler records the outcome, and the
// Handle* methods send the matching reply.
package home

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/bridge"
)

var (
	ErrInvalidStatus = errors.New("home: invalid request status")
	ErrUnauthorized  = errors.New("home: unauthorized")
)

// Status is the home-side lifecycle of an arbitration request.
type Status string

const (
	StatusNone           Status = "none"
	StatusNotified       Status = "notified"
	StatusRejected       Status = "rejected"
	StatusAwaitingRuling Status = "awaiting_ruling"
	StatusRuled          Status = "ruled"
	StatusFinished       Status = "finished"
)

// Request is the home-side record of one arbitration request.
type Request struct {
	QuestionID  string          `json:"question_id"`
	Requester   string          `json:"requester"`
	Status      Status          `json:"status"`
	MaxPrevious decimal.Decimal `json:"max_previous"`
	Answer      uint64          `json:"answer"`
	Reason      string          `json:"reason,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Settings configures a home proxy.
type Settings struct {
	Address     string
	Domain      string
	Transport   string
	PeerDomain  string
	PeerAddress string
	GasBudget   uint64
}

type requestKey struct {
	questionID string
	requester  string
}

// Proxy is the home-domain arbitration proxy.
type Proxy struct {
	settings  Settings
	oracle    Oracle
	messenger bridge.Messenger
	gate      bridge.Gate

	mu         sync.Mutex
	requests   map[requestKey]*Request
	requesters map[string]string // question -> requester awaiting its ruling
}

// New creates a home proxy.
func New(settings Settings, oracle Oracle, messenger bridge.Messenger) *Proxy {
	return &Proxy{
		settings:  settings,
		oracle:    oracle,
		messenger: messenger,
		gate: bridge.Gate{
			Transport:   settings.Transport,
			PeerDomain:  settings.PeerDomain,
			PeerAddress: settings.PeerAddress,
		},
		requests:   make(map[requestKey]*Request),
		requesters: make(map[string]string),
	}
}

// Request returns a copy of the record for (questionID, requester).
func (p *Proxy) Request(questionID, requester string) Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.requests[requestKey{questionID, requester}]; ok {
		return *r
	}
	return Request{QuestionID: questionID, Requester: requester, Status: StatusNone}
}

// Deliver accepts a message from the foreign proxy.
func (p *Proxy) Deliver(ctx context.Context, env bridge.Envelope) error {
	m, err := p.gate.Open(env)
	if err != nil {
		if errors.Is(err, bridge.ErrUnauthorized) {
			slog.WarnContext(ctx, "rejected bridge message",
				"envelope_id", env.ID, "origin_domain", env.OriginDomain, "origin_address", env.OriginAddress)
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return err
	}

	switch m.Kind {
	case bridge.KindRequestAcknowledgement:
		return p.receiveRequest(ctx, m.QuestionID, m.Requester, m.MaxPrevious)
	case bridge.KindDisputeCreationFailed:
		return p.receiveFailure(ctx, m.QuestionID, m.Requester)
	case bridge.KindFinalAnswer:
		return p.receiveAnswer(ctx, m.QuestionID, m.Answer)
	}
	return fmt.Errorf("%w: %s is not accepted by the home proxy", bridge.ErrUnknownKind, m.Kind)
}

func (p *Proxy) receiveRequest(ctx context.Context, questionID, requester string, maxPrevious decimal.Decimal) error {
	p.mu.Lock()
	key := requestKey{questionID, requester}
	if r, ok := p.requests[key]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s by %s is %s", ErrInvalidStatus, questionID, requester, r.Status)
	}
	r := &Request{
		QuestionID:  questionID,
		Requester:   requester,
		MaxPrevious: maxPrevious,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := p.oracle.NotifyOfArbitrationRequest(ctx, questionID, requester, maxPrevious); err != nil {
		r.Status = StatusRejected
		r.Reason = err.Error()
		slog.InfoContext(ctx, "arbitration request rejected", "question_id", questionID, "requester", requester, "reason", err)
	} else {
		r.Status = StatusNotified
		p.requesters[questionID] = requester
		slog.InfoContext(ctx, "arbitration request notified", "question_id", questionID, "requester", requester)
	}
	p.requests[key] = r
	status := r.Status
	p.mu.Unlock()

	if status == StatusNotified {
		return p.relayOrDefer(ctx, p.HandleNotifiedRequest(ctx, questionID, requester))
	}
	return p.relayOrDefer(ctx, p.HandleRejectedRequest(ctx, questionID, requester))
}

// relayOrDefer keeps the inbound message accepted when only the reply failed;
// the reply can be retried with the Handle* methods.
func (p *Proxy) relayOrDefer(ctx context.Context, err error) error {
	if err != nil {
		slog.WarnContext(ctx, "reply deferred", "err", err)
	}
	return nil
}

// HandleNotifiedRequest confirms a locked question to the foreign proxy.
// Anyone may call it.
func (p *Proxy) HandleNotifiedRequest(ctx context.Context, questionID, requester string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.requests[requestKey{questionID, requester}]
	if !ok || r.Status != StatusNotified {
		return fmt.Errorf("%w: %s by %s is not notified", ErrInvalidStatus, questionID, requester)
	}
	if err := p.send(ctx, bridge.AcknowledgeCreated(questionID, requester)); err != nil {
		return err
	}
	r.Status = StatusAwaitingRuling
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// HandleRejectedRequest tells the foreign proxy the question could not be
// locked and frees the record. Anyone may call it.
func (p *Proxy) HandleRejectedRequest(ctx context.Context, questionID, requester string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := requestKey{questionID, requester}
	r, ok := p.requests[key]
	if !ok || r.Status != StatusRejected {
		return fmt.Errorf("%w: %s by %s is not rejected", ErrInvalidStatus, questionID, requester)
	}
	if err := p.send(ctx, bridge.AcknowledgeCanceled(questionID, requester)); err != nil {
		return err
	}
	delete(p.requests, key)
	return nil
}

func (p *Proxy) receiveFailure(ctx context.Context, questionID, requester string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := requestKey{questionID, requester}
	r, ok := p.requests[key]
	if !ok || r.Status != StatusAwaitingRuling {
		return fmt.Errorf("%w: %s by %s is not awaiting a ruling", ErrInvalidStatus, questionID, requester)
	}
	if err := p.oracle.CancelArbitration(ctx, questionID); err != nil {
		return fmt.Errorf("cancel arbitration: %w", err)
	}
	delete(p.requests, key)
	delete(p.requesters, questionID)
	slog.InfoContext(ctx, "arbitration failed, question released", "question_id", questionID, "requester", requester)
	return nil
}

func (p *Proxy) receiveAnswer(ctx context.Context, questionID string, answer uint64) error {
	p.mu.Lock()
	requester, ok := p.requesters[questionID]
	var r *Request
	if ok {
		r = p.requests[requestKey{questionID, requester}]
	}
	if r == nil || r.Status != StatusAwaitingRuling {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s is not awaiting a ruling", ErrInvalidStatus, questionID)
	}
	r.Status = StatusRuled
	r.Answer = answer
	r.UpdatedAt = time.Now().UTC()
	p.mu.Unlock()

	slog.InfoContext(ctx, "arbitrator answered", "question_id", questionID, "answer", answer)
	if err := p.ReportAnswer(ctx, questionID); err != nil {
		slog.WarnContext(ctx, "answer report deferred", "question_id", questionID, "err", err)
	}
	return nil
}

// ReportAnswer submits a ruled answer to the oracle. Anyone may call it.
func (p *Proxy) ReportAnswer(ctx context.Context, questionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	requester := p.requesters[questionID]
	r, ok := p.requests[requestKey{questionID, requester}]
	if !ok || r.Status != StatusRuled {
		return fmt.Errorf("%w: %s is not ruled", ErrInvalidStatus, questionID)
	}
	if err := p.oracle.SubmitAnswerByArbitrator(ctx, questionID, r.Answer, requester); err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}
	r.Status = StatusFinished
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Proxy) send(ctx context.Context, m bridge.Message) error {
	return p.messenger.Send(ctx, p.settings.PeerDomain, p.settings.PeerAddress, m, p.settings.GasBudget)
}

// Settings returns the proxy's static configuration.
func (p *Proxy) Settings() Settings { return p.settings }
