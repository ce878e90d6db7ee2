// Package ident validates and normalizes the identifiers exchanged with both
// domains: question identifiers (which double as arbitration identifiers),
// account addresses, and integer amounts.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/capmath"
)

// questionRegex matches a 32-byte hex identifier: 0x{64 hex}
// Example: 0x6b1a3e5d0c9f2a4b8e7d6c5b4a39281706f5e4d3c2b1a09f8e7d6c5b4a392817
var questionRegex = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// addressRegex matches a 20-byte hex account address: 0x{40 hex}
var addressRegex = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

var (
	ErrInvalidQuestionID = errors.New("ident: invalid question id")
	ErrInvalidAddress    = errors.New("ident: invalid address")
	ErrInvalidAmount     = errors.New("ident: invalid amount")
)

// QuestionID validates a question identifier and returns it lower-cased.
func QuestionID(s string) (string, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if !questionRegex.MatchString(norm) {
		return "", fmt.Errorf("%w: %s (expected 0x followed by 64 hex digits)", ErrInvalidQuestionID, s)
	}
	return norm, nil
}

// Address validates an account address and returns it lower-cased.
func Address(s string) (string, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if !addressRegex.MatchString(norm) {
		return "", fmt.Errorf("%w: %s (expected 0x followed by 40 hex digits)", ErrInvalidAddress, s)
	}
	return norm, nil
}

// Amount checks that v is a representable, non-negative integer amount.
func Amount(v decimal.Decimal) error {
	if err := capmath.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAmount, v, err)
	}
	return nil
}
