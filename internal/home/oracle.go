package home

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrQuestionNotFound  = errors.New("oracle: question not found")
	ErrQuestionLocked    = errors.New("oracle: question is pending arbitration")
	ErrQuestionFinalized = errors.New("oracle: question already finalized")
	ErrBondTooHigh       = errors.New("oracle: current bond exceeds max previous")
	ErrNotPending        = errors.New("oracle: question is not pending arbitration")
)

// Oracle is the question oracle on the home domain.
type Oracle interface {
	// NotifyOfArbitrationRequest freezes the question while arbitration is
	// pending. It fails if the question's current bond exceeds maxPrevious
	// (zero means no limit).
	NotifyOfArbitrationRequest(ctx context.Context, questionID, requester string, maxPrevious decimal.Decimal) error

	// CancelArbitration unfreezes a question whose arbitration fell through.
	CancelArbitration(ctx context.Context, questionID string) error

	// SubmitAnswerByArbitrator finalizes the question with answer.
	SubmitAnswerByArbitrator(ctx context.Context, questionID string, answer uint64, answerer string) error
}

// Question is a snapshot of one question held by MemoryOracle.
type Question struct {
	ID        string          `json:"id"`
	Bond      decimal.Decimal `json:"bond"`
	Pending   bool            `json:"pending"`
	Requester string          `json:"requester,omitempty"`
	Finalized bool            `json:"finalized"`
	Answer    uint64          `json:"answer"`
	Answerer  string          `json:"answerer,omitempty"`
}

// MemoryOracle is an in-memory question oracle used for testing and development.
type MemoryOracle struct {
	mu        sync.Mutex
	questions map[string]*Question
}

func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{questions: make(map[string]*Question)}
}

// Ask registers a question whose highest posted bond is bond.
func (o *MemoryOracle) Ask(questionID string, bond decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.questions[questionID] = &Question{ID: questionID, Bond: bond}
}

// Question returns a snapshot of a question.
func (o *MemoryOracle) Question(questionID string) (Question, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.questions[questionID]
	if !ok {
		return Question{}, fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
	}
	return *q, nil
}

func (o *MemoryOracle) NotifyOfArbitrationRequest(_ context.Context, questionID, requester string, maxPrevious decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.questions[questionID]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
	case q.Finalized:
		return ErrQuestionFinalized
	case q.Pending:
		return ErrQuestionLocked
	case maxPrevious.IsPositive() && q.Bond.GreaterThan(maxPrevious):
		return fmt.Errorf("%w: bond %s, max %s", ErrBondTooHigh, q.Bond, maxPrevious)
	}
	q.Pending = true
	q.Requester = requester
	slog.Info("question pending arbitration", "question_id", questionID, "requester", requester)
	return nil
}

func (o *MemoryOracle) CancelArbitration(_ context.Context, questionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.questions[questionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
	}
	if !q.Pending {
		return ErrNotPending
	}
	q.Pending = false
	q.Requester = ""
	return nil
}

func (o *MemoryOracle) SubmitAnswerByArbitrator(_ context.Context, questionID string, answer uint64, answerer string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.questions[questionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
	}
	if !q.Pending {
		return ErrNotPending
	}
	q.Pending = false
	q.Finalized = true
	q.Answer = answer
	q.Answerer = answerer
	slog.Info("question finalized by arbitrator", "question_id", questionID, "answer", answer)
	return nil
}
