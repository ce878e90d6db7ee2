package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestAnswerFromRuling(t *testing.T) {
	if got := AnswerFromRuling(5); got != 4 {
		t.Errorf("expected 4, got %d", got)
	}
	if got := AnswerFromRuling(1); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := AnswerFromRuling(0); got != RefuseToArbitrate {
		t.Errorf("expected RefuseToArbitrate, got %d", got)
	}
}

func TestClone_IsDeep(t *testing.T) {
	req := &ArbitrationRequest{
		ArbitrationID: "q",
		Requester:     "r",
		Rounds:        []Round{NewRound()},
	}
	req.Rounds[0].PaidFees[1] = decimal.NewFromInt(10)
	req.Rounds[0].FundedAnswers = []uint64{1}

	c := req.Clone()
	c.Rounds[0].PaidFees[1] = decimal.NewFromInt(99)
	c.Rounds[0].FundedAnswers[0] = 7
	c.Rounds = append(c.Rounds, NewRound())

	if !req.Rounds[0].PaidFees[1].Equal(decimal.NewFromInt(10)) {
		t.Error("clone shares PaidFees with original")
	}
	if req.Rounds[0].FundedAnswers[0] != 1 {
		t.Error("clone shares FundedAnswers with original")
	}
	if len(req.Rounds) != 1 {
		t.Error("clone shares Rounds backing array with original")
	}
}

func TestRound_JSONKeepsCompositeKeys(t *testing.T) {
	r := NewRound()
	key := ContributionKey{Contributor: "0xabc", Answer: 3}
	r.Contributions[key] = decimal.NewFromInt(42)

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Round
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := back.Contribution("0xabc", 3); !got.Equal(decimal.NewFromInt(42)) {
		t.Errorf("expected 42 after round trip, got %s", got)
	}
}

func TestContributionKey_RejectsMalformed(t *testing.T) {
	var k ContributionKey
	for _, s := range []string{"", "0xabc", "/3", "0xabc/x"} {
		if err := k.UnmarshalText([]byte(s)); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}
