package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/model"
)

const (
	qid   = "0x1111111111111111111111111111111111111111111111111111111111111111"
	alice = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newRequest(requester string) *model.ArbitrationRequest {
	now := time.Now().UTC()
	return &model.ArbitrationRequest{
		ArbitrationID: qid,
		Requester:     requester,
		Status:        model.StatusRequested,
		Deposit:       d(100),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := newRequest(alice)
	req.Rounds = []model.Round{model.NewRound()}
	if err := s.SaveRequest(ctx, req); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetRequest(ctx, qid, alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = model.StatusFailed
	got.Rounds[0].PaidFees[1] = d(5)

	again, _ := s.GetRequest(ctx, qid, alice)
	if again.Status != model.StatusRequested {
		t.Errorf("status leaked through copy: %s", again.Status)
	}
	if _, ok := again.Rounds[0].PaidFees[1]; ok {
		t.Error("round map leaked through copy")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetRequest(ctx, qid, alice); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.RequesterOf(ctx, qid); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetDisputeDetails(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteRequest(ctx, qid, alice); err != nil {
		t.Errorf("delete of missing request should succeed, got %v", err)
	}
}

func TestMemoryStore_BindingIsFirstWriterWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := newRequest(alice)
	first.Status = model.StatusCreated
	first.DisputeID = 1
	if err := s.CreateDispute(ctx, first, model.DisputeDetails{DisputeID: 1, ArbitrationID: qid, Requester: alice}); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := newRequest(bob)
	second.Status = model.StatusCreated
	second.DisputeID = 2
	s.CreateDispute(ctx, second, model.DisputeDetails{DisputeID: 2, ArbitrationID: qid, Requester: bob})

	got, err := s.RequesterOf(ctx, qid)
	if err != nil || got != alice {
		t.Errorf("expected binding to stay %s, got %s (%v)", alice, got, err)
	}
	exists, _ := s.DisputeExists(ctx, qid)
	if !exists {
		t.Error("expected dispute flag to be set")
	}
}

func TestMemoryStore_ResolveDisputeDropsDetails(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := newRequest(alice)
	req.Status = model.StatusCreated
	req.DisputeID = 9
	s.CreateDispute(ctx, req, model.DisputeDetails{DisputeID: 9, ArbitrationID: qid, Requester: alice})

	req.Status = model.StatusRuled
	if err := s.ResolveDispute(ctx, req); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := s.GetDisputeDetails(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected details removed, got %v", err)
	}
	got, _ := s.GetRequest(ctx, qid, alice)
	if got.Status != model.StatusRuled {
		t.Errorf("expected ruled, got %s", got.Status)
	}
	// The flag and binding survive resolution.
	if exists, _ := s.DisputeExists(ctx, qid); !exists {
		t.Error("dispute flag must never be cleared")
	}
}

func TestMemoryStore_ListRequestsOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	b := newRequest(bob)
	a := newRequest(alice)
	a.CreatedAt = b.CreatedAt.Add(-time.Minute)
	s.SaveRequest(ctx, b)
	s.SaveRequest(ctx, a)

	other := newRequest(alice)
	other.ArbitrationID = "0x22"
	s.SaveRequest(ctx, other)

	list, err := s.ListRequests(ctx, qid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Requester != alice || list[1].Requester != bob {
		t.Errorf("unexpected order: %+v", list)
	}
}

// fakeRow feeds the arguments produced by requestArgs back through scanRequest.
type fakeRow struct{ values []any }

func (r fakeRow) Scan(dest ...any) error {
	for i, v := range dest {
		switch p := v.(type) {
		case *string:
			*p = r.values[i].(string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

func TestRequestRow_PreservesRoundsAndLargeValues(t *testing.T) {
	req := newRequest(alice)
	req.Status = model.StatusRuled
	req.DisputeID = math.MaxUint64 - 1
	req.Answer = model.RefuseToArbitrate
	req.Deposit, _ = decimal.NewFromString("115792089237316195423570985008687907853269984665640564039457584007913129639935")

	round := model.NewRound()
	round.PaidFees[3] = d(40)
	round.HasPaid[3] = true
	round.Contributions[model.ContributionKey{Contributor: bob, Answer: 3}] = d(40)
	round.FeeRewards = d(40)
	round.FundedAnswers = []uint64{3}
	req.Rounds = []model.Round{round, model.NewRound()}

	args, err := requestArgs(req)
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	got, err := scanRequest(fakeRow{values: args})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if got.DisputeID != req.DisputeID || got.Answer != model.RefuseToArbitrate {
		t.Errorf("uint64 fields not preserved: %d %d", got.DisputeID, got.Answer)
	}
	if !got.Deposit.Equal(req.Deposit) {
		t.Errorf("deposit not preserved: %s", got.Deposit)
	}
	if len(got.Rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(got.Rounds))
	}
	if c := got.Rounds[0].Contribution(bob, 3); !c.Equal(d(40)) {
		t.Errorf("expected contribution 40, got %s", c)
	}
	if got.Rounds[1].PaidFees == nil || got.Rounds[1].Contributions == nil {
		t.Error("empty round maps must be usable after decode")
	}
}
