package capmath

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating integer decimals.
func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestAdd_CapsAtMax(t *testing.T) {
	got := Add(Max, d(1))
	if !got.Equal(Max) {
		t.Errorf("expected Max, got %s", got)
	}
	if got := Add(d(2), d(3)); !got.Equal(d(5)) {
		t.Errorf("expected 5, got %s", got)
	}
}

func TestSub_FloorsAtZero(t *testing.T) {
	if got := Sub(d(3), d(5)); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
	if got := Sub(d(5), d(3)); !got.Equal(d(2)) {
		t.Errorf("expected 2, got %s", got)
	}
}

func TestMul_CapsAtMax(t *testing.T) {
	got := Mul(Max, d(2))
	if !got.Equal(Max) {
		t.Errorf("expected Max, got %s", got)
	}
}

func TestMulDiv_Truncates(t *testing.T) {
	tests := []struct {
		a, b, c, want int64
	}{
		{10, 3, 4, 7},  // 30/4 = 7.5
		{1, 1, 3, 0},   // 1/3
		{50, 200, 100, 100},
		{7, 0, 3, 0},
		{7, 5, 0, 0}, // zero divisor
	}
	for _, tt := range tests {
		got := MulDiv(d(tt.a), d(tt.b), d(tt.c))
		if !got.Equal(d(tt.want)) {
			t.Errorf("MulDiv(%d,%d,%d) = %s, want %d", tt.a, tt.b, tt.c, got, tt.want)
		}
	}
}

func TestTotalCost(t *testing.T) {
	tests := []struct {
		base       int64
		multiplier int64
		want       int64
	}{
		{1000, 0, 1000},
		{1000, 5000, 1500},
		{1000, 10000, 2000},
		{1000, 20000, 3000},
		{999, 5000, 1498}, // 999*5000/10000 = 499.5 → 499
	}
	for _, tt := range tests {
		got := TotalCost(d(tt.base), tt.multiplier)
		if !got.Equal(d(tt.want)) {
			t.Errorf("TotalCost(%d, %d) = %s, want %d", tt.base, tt.multiplier, got, tt.want)
		}
	}
}

func TestTotalCost_NeverOverflows(t *testing.T) {
	got := TotalCost(Max, 30000)
	if !got.Equal(Max) {
		t.Errorf("expected TotalCost to saturate at Max, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(d(0)); err != nil {
		t.Errorf("zero should be valid: %v", err)
	}
	if err := Validate(Max); err != nil {
		t.Errorf("Max should be valid: %v", err)
	}
	if err := Validate(d(-1)); err != ErrNegativeAmount {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
	if err := Validate(decimal.NewFromFloat(1.5)); err != ErrFractionalAmount {
		t.Errorf("expected ErrFractionalAmount, got %v", err)
	}
	if err := Validate(Max.Add(d(1))); err != ErrAmountTooLarge {
		t.Errorf("expected ErrAmountTooLarge, got %v", err)
	}
}

func TestMin(t *testing.T) {
	if got := Min(d(3), d(9)); !got.Equal(d(3)) {
		t.Errorf("expected 3, got %s", got)
	}
	if got := Min(d(9), d(3)); !got.Equal(d(3)) {
		t.Errorf("expected 3, got %s", got)
	}
}
