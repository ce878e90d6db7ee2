// Package api exposes the arbitration proxy over HTTP.
//
// All monetary values use shopspring/decimal and travel as JSON strings.
package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/arbitration-proxy/internal/arbitrator"
	"github.com/atmx/arbitration-proxy/internal/bridge"
	"github.com/atmx/arbitration-proxy/internal/home"
	"github.com/atmx/arbitration-proxy/internal/ident"
	"github.com/atmx/arbitration-proxy/internal/proxy"
	"github.com/atmx/arbitration-proxy/internal/store"
)

// Handler serves the proxy's HTTP API.
type Handler struct {
	svc       *proxy.Service
	receivers map[string]bridge.Receiver // inbound envelopes by target domain

	// Set by WithRelay; /bridge/inbound is mounted only then.
	relayTransport string
	relayDigest    [sha256.Size]byte

	// Development only: present when the arbitrator and home domain run in
	// process.
	arb    *arbitrator.Centralized
	home   *home.Proxy
	oracle *home.MemoryOracle
}

type Option func(*Handler)

// WithArbitrator exposes the in-process arbitrator's owner operations.
func WithArbitrator(arb *arbitrator.Centralized) Option {
	return func(h *Handler) { h.arb = arb }
}

// WithHome exposes the in-process home proxy and its question oracle, and
// accepts inbound envelopes addressed to the home domain.
func WithHome(p *home.Proxy, oracle *home.MemoryOracle) Option {
	return func(h *Handler) {
		h.home, h.oracle = p, oracle
		h.receivers[p.Settings().Domain] = p
	}
}

// WithRelay accepts envelopes on POST /bridge/inbound from a relayer that
// presents token as a bearer credential. Accepted envelopes are attributed
// to transport whatever they claim, so the receivers' gates only pass them
// when transport is the one they trust.
func WithRelay(transport, token string) Option {
	return func(h *Handler) {
		h.relayTransport = transport
		h.relayDigest = sha256.Sum256([]byte(token))
	}
}

// New creates a handler for svc. Envelopes addressed to svc's domain are
// delivered to it.
func New(svc *proxy.Service, opts ...Option) *Handler {
	h := &Handler{
		svc:       svc,
		receivers: map[string]bridge.Receiver{svc.Settings().Domain: svc},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every route on r.
func (h *Handler) Register(r chi.Router) {
	if h.relayTransport != "" {
		r.With(h.requireRelayer).Post("/bridge/inbound", h.Inbound)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/dispute-fee", h.GetDisputeFee)
		r.Get("/multipliers", h.GetMultipliers)
		r.Get("/disputes/{disputeID}", h.GetDisputeArbitration)

		r.Post("/arbitrations", h.RequestArbitration)
		r.Route("/arbitrations/{arbitrationID}", func(r chi.Router) {
			r.Get("/requests", h.ListRequests)
			r.Get("/requests/{requester}", h.GetRequest)
			r.Post("/requests/{requester}/reconcile", h.ReconcileFailedDispute)

			r.Post("/appeals", h.FundAppeal)
			r.Get("/rounds", h.GetNumberOfRounds)
			r.Get("/rounds/{round}", h.GetRoundInfo)
			r.Get("/rounds/{round}/answers/{answer}", h.GetFundingStatus)
			r.Get("/rounds/{round}/contributions/{contributor}", h.GetContributions)

			r.Post("/withdrawals", h.Withdraw)
			r.Get("/withdrawable/{beneficiary}", h.GetWithdrawable)
		})

		if h.arb != nil {
			r.Route("/dev/disputes/{disputeID}", func(r chi.Router) {
				r.Get("/", h.GetDispute)
				r.Post("/ruling", h.GiveRuling)
				r.Post("/execute", h.ExecuteRuling)
			})
		}
		if h.home != nil {
			r.Post("/home/questions", h.AskQuestion)
			r.Get("/home/questions/{questionID}", h.GetQuestion)
			r.Get("/home/requests/{questionID}/{requester}", h.GetHomeRequest)
			r.Post("/home/requests/{questionID}/{requester}/relay", h.RelayHomeRequest)
			r.Post("/home/questions/{questionID}/report", h.ReportAnswer)
		}
	})
}

// requireRelayer rejects requests without the relayer's bearer token.
func (h *Handler) requireRelayer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		digest := sha256.Sum256([]byte(token))
		if !ok || token == "" || subtle.ConstantTimeCompare(digest[:], h.relayDigest[:]) != 1 {
			writeError(w, "relayer credentials required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Inbound handles POST /bridge/inbound: a relayer hands over an envelope.
func (h *Handler) Inbound(w http.ResponseWriter, r *http.Request) {
	var env bridge.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	env.Transport = h.relayTransport
	receiver, ok := h.receivers[env.TargetDomain]
	if !ok {
		writeError(w, fmt.Sprintf("no receiver for domain %q", env.TargetDomain), http.StatusNotFound)
		return
	}
	if err := receiver.Deliver(r.Context(), env); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": env.ID, "status": "delivered"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, proxy.ErrInvalidInput),
		errors.Is(err, ident.ErrInvalidQuestionID),
		errors.Is(err, ident.ErrInvalidAddress),
		errors.Is(err, ident.ErrInvalidAmount),
		errors.Is(err, bridge.ErrMalformed),
		errors.Is(err, bridge.ErrUnknownKind),
		errors.Is(err, arbitrator.ErrInvalidRuling):
		return http.StatusBadRequest
	case errors.Is(err, proxy.ErrUnauthorized), errors.Is(err, home.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, proxy.ErrRoundNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, arbitrator.ErrDisputeNotFound),
		errors.Is(err, home.ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrInsufficientDeposit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, proxy.ErrPayoutFailed):
		return http.StatusBadGateway
	case errors.Is(err, proxy.ErrAlreadyDisputed),
		errors.Is(err, proxy.ErrAlreadyRequested),
		errors.Is(err, proxy.ErrInvalidStatus),
		errors.Is(err, proxy.ErrAppealWindowClosed),
		errors.Is(err, proxy.ErrLoserWindowClosed),
		errors.Is(err, proxy.ErrAlreadyFunded),
		errors.Is(err, proxy.ErrNotResolved),
		errors.Is(err, home.ErrInvalidStatus),
		errors.Is(err, home.ErrQuestionLocked),
		errors.Is(err, home.ErrQuestionFinalized),
		errors.Is(err, arbitrator.ErrNotWaiting),
		errors.Is(err, arbitrator.ErrNotAppealable),
		errors.Is(err, arbitrator.ErrPeriodNotOver):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeErr writes err with its mapped status. Internal errors are logged and
// not echoed.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	body := map[string]any{"error": err.Error()}
	if proxy.Retryable(err) {
		body["retryable"] = true
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func intParam(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", proxy.ErrInvalidInput, name)
	}
	return v, nil
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer", proxy.ErrInvalidInput, name)
	}
	return v, nil
}

// answersQuery parses ?answers=1,2,3.
func answersQuery(r *http.Request) ([]uint64, error) {
	raw := r.URL.Query().Get("answers")
	if raw == "" {
		return nil, fmt.Errorf("%w: answers query parameter is required", proxy.ErrInvalidInput)
	}
	var out []uint64
	for _, part := range strings.Split(raw, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: answer %q", proxy.ErrInvalidInput, part)
		}
		out = append(out, v)
	}
	return out, nil
}
