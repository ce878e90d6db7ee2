// Package bridge carries proxy messages between the home and foreign domains.
//
// Delivery is one-way and asynchronous with no ordering or timing guarantee.
// Every message travels inside an Envelope that records which transport
// carried it and which domain/address sent it; receivers verify both with a
// Gate before acting.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind identifies a message payload.
type Kind string

const (
	KindRequestAcknowledgement Kind = "request_acknowledgement"
	KindAcknowledgeCreated     Kind = "acknowledge_created"
	KindAcknowledgeCanceled    Kind = "acknowledge_canceled"
	KindDisputeCreationFailed  Kind = "dispute_creation_failed"
	KindFinalAnswer            Kind = "final_answer"
)

var (
	ErrUnknownKind     = errors.New("bridge: unknown message kind")
	ErrMalformed       = errors.New("bridge: malformed message")
	ErrUnauthorized    = errors.New("bridge: message origin not authorized")
	ErrNoRoute         = errors.New("bridge: no receiver for destination")
	ErrTransportClosed = errors.New("bridge: transport closed")
)

// Message is the peer-to-peer wire payload. Which fields are meaningful
// depends on Kind:
//
//	request_acknowledgement: QuestionID, Requester, MaxPrevious
//	acknowledge_created:     QuestionID, Requester
//	acknowledge_canceled:    QuestionID, Requester
//	dispute_creation_failed: QuestionID, Requester
//	final_answer:            QuestionID, Answer
type Message struct {
	Kind        Kind            `json:"kind"`
	QuestionID  string          `json:"question_id"`
	Requester   string          `json:"requester,omitempty"`
	MaxPrevious decimal.Decimal `json:"max_previous"`
	Answer      uint64          `json:"answer"`
}

func RequestAcknowledgement(questionID, requester string, maxPrevious decimal.Decimal) Message {
	return Message{Kind: KindRequestAcknowledgement, QuestionID: questionID, Requester: requester, MaxPrevious: maxPrevious}
}

func AcknowledgeCreated(questionID, requester string) Message {
	return Message{Kind: KindAcknowledgeCreated, QuestionID: questionID, Requester: requester}
}

func AcknowledgeCanceled(questionID, requester string) Message {
	return Message{Kind: KindAcknowledgeCanceled, QuestionID: questionID, Requester: requester}
}

func DisputeCreationFailed(questionID, requester string) Message {
	return Message{Kind: KindDisputeCreationFailed, QuestionID: questionID, Requester: requester}
}

func FinalAnswer(questionID string, answer uint64) Message {
	return Message{Kind: KindFinalAnswer, QuestionID: questionID, Answer: answer}
}

// Validate checks that the fields required by Kind are present.
func (m Message) Validate() error {
	if m.QuestionID == "" {
		return fmt.Errorf("%w: %s without question id", ErrMalformed, m.Kind)
	}
	switch m.Kind {
	case KindRequestAcknowledgement, KindAcknowledgeCreated, KindAcknowledgeCanceled, KindDisputeCreationFailed:
		if m.Requester == "" {
			return fmt.Errorf("%w: %s without requester", ErrMalformed, m.Kind)
		}
	case KindFinalAnswer:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

// Encode serializes a message after validating it.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Envelope is what a transport hands to a receiver.
type Envelope struct {
	ID            string          `json:"id"`
	Transport     string          `json:"transport"`
	OriginDomain  string          `json:"origin_domain"`
	OriginAddress string          `json:"origin_address"`
	TargetDomain  string          `json:"target_domain"`
	TargetAddress string          `json:"target_address"`
	GasBudget     uint64          `json:"gas_budget"`
	Payload       json.RawMessage `json:"payload"`
	SentAt        time.Time       `json:"sent_at"`
}

// Seal wraps an encoded message into an envelope.
func Seal(transport, originDomain, originAddress, targetDomain, targetAddress string, gasBudget uint64, m Message) (Envelope, error) {
	payload, err := Encode(m)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:            uuid.New().String(),
		Transport:     transport,
		OriginDomain:  originDomain,
		OriginAddress: originAddress,
		TargetDomain:  targetDomain,
		TargetAddress: targetAddress,
		GasBudget:     gasBudget,
		Payload:       payload,
		SentAt:        time.Now().UTC(),
	}, nil
}

// Messenger sends messages to the peer domain.
type Messenger interface {
	Send(ctx context.Context, peerDomain, peerAddress string, m Message, gasBudget uint64) error
}

// Receiver accepts envelopes delivered by a transport.
type Receiver interface {
	Deliver(ctx context.Context, env Envelope) error
}

// HTTPTransport is the transport name stamped on envelopes that an
// authenticated relayer hands over through the HTTP API.
const HTTPTransport = "http"

// Gate accepts envelopes only from one transport and one peer. The transport
// field is trusted only because every transport overwrites it on receipt.
type Gate struct {
	Transport   string
	PeerDomain  string
	PeerAddress string
}

// Open verifies the envelope's origin and returns its decoded message.
func (g Gate) Open(env Envelope) (Message, error) {
	if env.Transport != g.Transport {
		return Message{}, fmt.Errorf("%w: transport %q", ErrUnauthorized, env.Transport)
	}
	if env.OriginDomain != g.PeerDomain || env.OriginAddress != g.PeerAddress {
		return Message{}, fmt.Errorf("%w: sender %s@%s", ErrUnauthorized, env.OriginAddress, env.OriginDomain)
	}
	return Decode(env.Payload)
}
