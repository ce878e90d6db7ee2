// Package events publishes proxy notifications to external observers.
// Notifications are never consumed by the proxy itself.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind names a notification.
type Kind string

const (
	ArbitrationRequested Kind = "arbitration_requested"
	ArbitrationCreated   Kind = "arbitration_created"
	ArbitrationFailed    Kind = "arbitration_failed"
	ArbitrationCanceled  Kind = "arbitration_canceled"
	DisputeOpened        Kind = "dispute"
	Contribution         Kind = "contribution"
	RulingFunded         Kind = "ruling_funded"
	AppealRaised         Kind = "appeal_raised"
	Ruling               Kind = "ruling"
	Withdrawal           Kind = "withdrawal"
)

// Event is one notification. Fields not relevant to Kind are left zero.
type Event struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	ArbitrationID string          `json:"arbitration_id"`
	Requester     string          `json:"requester,omitempty"`
	DisputeID     uint64          `json:"dispute_id"`
	Round         int             `json:"round"`
	Answer        uint64          `json:"answer"`
	Account       string          `json:"account,omitempty"` // contributor or beneficiary
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason,omitempty"`
	Meta          string          `json:"meta,omitempty"` // dispute description reference
	Timestamp     time.Time       `json:"timestamp"`
}

// New stamps an event with an id and the current time.
func New(kind Kind, arbitrationID string) Event {
	return Event{
		ID:            uuid.New().String(),
		Kind:          kind,
		ArbitrationID: arbitrationID,
		Timestamp:     time.Now().UTC(),
	}
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}

// LogNotifier writes every notification to the default slog logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, e Event) {
	slog.InfoContext(ctx, "notification",
		"kind", e.Kind,
		"arbitration_id", e.ArbitrationID,
		"requester", e.Requester,
		"dispute_id", e.DisputeID,
		"round", e.Round,
		"answer", e.Answer,
		"account", e.Account,
		"amount", e.Amount.String(),
	)
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns recorded notifications, optionally filtered by kind.
func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(kinds) == 0 {
		return append([]Event(nil), r.events...)
	}
	var out []Event
	for _, e := range r.events {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
