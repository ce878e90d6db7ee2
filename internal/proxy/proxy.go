// Package proxy is the foreign-domain arbitration proxy: it tracks
// arbitration requests for questions asked on the home domain, opens
// disputes with the arbitrator, crowdfunds appeals, distributes rewards,
// and relays final answers back to the home domain.
//
// All state-mutating operations are serialized by one mutex. Every
// operation commits its state before releasing funds, and funds are
// released only after the mutex is unlocked, so a payout recipient that
// calls back into the proxy sees committed state and cannot deadlock it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/arbitrator"
	"github.com/atmx/arbitration-proxy/internal/bridge"
	"github.com/atmx/arbitration-proxy/internal/capmath"
	"github.com/atmx/arbitration-proxy/internal/events"
	"github.com/atmx/arbitration-proxy/internal/ident"
	"github.com/atmx/arbitration-proxy/internal/ledger"
	"github.com/atmx/arbitration-proxy/internal/metrics"
	"github.com/atmx/arbitration-proxy/internal/model"
	"github.com/atmx/arbitration-proxy/internal/store"
)

// Settings is the static configuration of a proxy.
type Settings struct {
	Address             string // this proxy on the foreign domain
	Domain              string // foreign domain identifier
	ArbitratorAddress   string // only caller allowed to deliver rulings
	ArbitratorExtraData []byte
	ChoiceCount         uint64 // 0 means unbounded

	Transport   string // the only bridge transport trusted for inbound messages
	PeerDomain  string
	PeerAddress string
	GasBudget   uint64

	WinnerMultiplier int64 // basis points
	LoserMultiplier  int64 // basis points

	TermsOfService string
	MetaEvidence   string
}

// Validate checks that every required setting is present.
func (s Settings) Validate() error {
	switch {
	case s.Address == "" || s.Domain == "":
		return fmt.Errorf("%w: proxy address and domain are required", ErrInvalidInput)
	case s.ArbitratorAddress == "":
		return fmt.Errorf("%w: arbitrator address is required", ErrInvalidInput)
	case s.Transport == "" || s.PeerDomain == "" || s.PeerAddress == "":
		return fmt.Errorf("%w: transport and peer are required", ErrInvalidInput)
	case s.WinnerMultiplier < 0 || s.LoserMultiplier < 0:
		return fmt.Errorf("%w: multipliers must not be negative", ErrInvalidInput)
	}
	return nil
}

func (s Settings) choices() uint64 {
	if s.ChoiceCount == 0 {
		return math.MaxUint64
	}
	return s.ChoiceCount
}

// Service is the arbitration proxy.
type Service struct {
	settings   Settings
	store      store.Store
	arbitrator arbitrator.Arbitrator
	messenger  bridge.Messenger
	treasury   ledger.Treasury
	notifier   events.Notifier
	gate       bridge.Gate
	now        func() time.Time
	mu         sync.Mutex
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for appeal windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a proxy. notifier may be nil.
func New(settings Settings, st store.Store, arb arbitrator.Arbitrator, messenger bridge.Messenger,
	treasury ledger.Treasury, notifier events.Notifier, opts ...Option) (*Service, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = events.Multi(nil)
	}
	s := &Service{
		settings:   settings,
		store:      st,
		arbitrator: arb,
		messenger:  messenger,
		treasury:   treasury,
		notifier:   notifier,
		gate: bridge.Gate{
			Transport:   settings.Transport,
			PeerDomain:  settings.PeerDomain,
			PeerAddress: settings.PeerAddress,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Settings returns the proxy configuration.
func (s *Service) Settings() Settings { return s.settings }

// --- Effects released after the lock ---

type payout struct {
	to     string
	amount decimal.Decimal
	memo   string
}

// effects collects what an operation emits once its state is committed.
type effects struct {
	notes   []events.Event
	payouts []payout
}

func (e *effects) notify(ev events.Event) { e.notes = append(e.notes, ev) }

func (e *effects) pay(to string, amount decimal.Decimal, memo string) {
	if amount.IsPositive() {
		e.payouts = append(e.payouts, payout{to: to, amount: amount, memo: memo})
	}
}

// release publishes notifications and then pays out. Must be called without
// holding s.mu.
func (s *Service) release(ctx context.Context, e *effects) error {
	for _, ev := range e.notes {
		s.notifier.Notify(ctx, ev)
	}
	var errs []error
	for _, p := range e.payouts {
		if err := s.treasury.Pay(ctx, p.to, p.amount, p.memo); err != nil {
			// State is already committed; the amount must be settled by hand.
			slog.ErrorContext(ctx, "payout failed",
				"to", p.to, "amount", p.amount.String(), "memo", p.memo, "err", err)
			errs = append(errs, fmt.Errorf("%w: %s to %s: %w", ErrPayoutFailed, p.amount, p.to, err))
		}
	}
	return errors.Join(errs...)
}

// send delivers m to the peer proxy.
func (s *Service) send(ctx context.Context, m bridge.Message) error {
	err := s.messenger.Send(ctx, s.settings.PeerDomain, s.settings.PeerAddress, m, s.settings.GasBudget)
	metrics.ObserveBridge("out", string(m.Kind), err)
	return err
}

func (s *Service) event(kind events.Kind, arbitrationID, requester string) events.Event {
	ev := events.New(kind, arbitrationID)
	ev.Requester = requester
	return ev
}

// requestFor resolves the request bound to arbitrationID. A question that
// never reached dispute creation has no binding and reports StatusNone.
func (s *Service) requestFor(ctx context.Context, arbitrationID string) (*model.ArbitrationRequest, error) {
	requester, err := s.store.RequesterOf(ctx, arbitrationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no dispute", ErrInvalidStatus, arbitrationID)
	}
	if err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, arbitrationID, requester)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no request", ErrInvalidStatus, arbitrationID)
	}
	return req, err
}

// statusOf loads the request for (arbitrationID, requester) and requires it
// to be in want.
func (s *Service) statusOf(ctx context.Context, arbitrationID, requester string, want model.Status) (*model.ArbitrationRequest, error) {
	req, err := s.store.GetRequest(ctx, arbitrationID, requester)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no request for %s by %s", ErrInvalidStatus, arbitrationID, requester)
	}
	if err != nil {
		return nil, err
	}
	if req.Status != want {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidStatus, arbitrationID, req.Status, want)
	}
	return req, nil
}

func checkAmount(v decimal.Decimal) error {
	if err := capmath.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// normalize validates a question id and an account address.
func normalize(questionID, account string) (string, string, error) {
	q, err := ident.QuestionID(questionID)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	a, err := ident.Address(account)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return q, a, nil
}
