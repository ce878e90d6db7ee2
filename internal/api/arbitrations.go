package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/metrics"
)

// --- Request/Response types ---

// ArbitrationRequest is the JSON body for POST /arbitrations.
type ArbitrationRequest struct {
	QuestionID  string          `json:"question_id"`
	Requester   string          `json:"requester"`
	Deposit     decimal.Decimal `json:"deposit"`      // must cover the dispute fee
	MaxPrevious decimal.Decimal `json:"max_previous"` // 0 means no bond limit
}

// AppealRequest is the JSON body for POST /arbitrations/{arbitrationID}/appeals.
type AppealRequest struct {
	Contributor string          `json:"contributor"`
	Answer      uint64          `json:"answer"`
	Amount      decimal.Decimal `json:"amount"`
}

// AppealResponse reports the outcome of one contribution.
type AppealResponse struct {
	ArbitrationID string `json:"arbitration_id"`
	Answer        uint64 `json:"answer"`
	FullyFunded   bool   `json:"fully_funded"`
}

// WithdrawalRequest is the JSON body for POST /arbitrations/{arbitrationID}/withdrawals.
// Without Round the withdrawal sweeps every round.
type WithdrawalRequest struct {
	Beneficiary string   `json:"beneficiary"`
	Round       *int     `json:"round,omitempty"`
	Answers     []uint64 `json:"answers"`
}

// WithdrawalResponse is the amount paid to the beneficiary.
type WithdrawalResponse struct {
	Beneficiary string          `json:"beneficiary"`
	Amount      decimal.Decimal `json:"amount"`
}

// --- HTTP Handlers ---

// RequestArbitration handles POST /api/v1/arbitrations
func (h *Handler) RequestArbitration(w http.ResponseWriter, r *http.Request) {
	defer metrics.Since("request_arbitration", time.Now())

	var req ArbitrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := h.svc.RequestArbitration(ctx, req.QuestionID, req.Requester, req.Deposit, req.MaxPrevious); err != nil {
		writeErr(w, err)
		return
	}
	record, err := h.svc.Request(ctx, req.QuestionID, req.Requester)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

// GetRequest handles GET /api/v1/arbitrations/{arbitrationID}/requests/{requester}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	record, err := h.svc.Request(r.Context(), chi.URLParam(r, "arbitrationID"), chi.URLParam(r, "requester"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// ListRequests handles GET /api/v1/arbitrations/{arbitrationID}/requests
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.Requests(r.Context(), chi.URLParam(r, "arbitrationID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ReconcileFailedDispute handles POST /api/v1/arbitrations/{arbitrationID}/requests/{requester}/reconcile
// Anyone may call it once dispute creation failed.
func (h *Handler) ReconcileFailedDispute(w http.ResponseWriter, r *http.Request) {
	defer metrics.Since("reconcile", time.Now())

	id, requester := chi.URLParam(r, "arbitrationID"), chi.URLParam(r, "requester")
	if err := h.svc.HandleFailedDisputeCreation(r.Context(), id, requester); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"arbitration_id": id, "requester": requester, "status": "canceled"})
}

// FundAppeal handles POST /api/v1/arbitrations/{arbitrationID}/appeals
func (h *Handler) FundAppeal(w http.ResponseWriter, r *http.Request) {
	defer metrics.Since("fund_appeal", time.Now())

	var req AppealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "arbitrationID")
	funded, err := h.svc.FundAppeal(r.Context(), id, req.Contributor, req.Answer, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AppealResponse{ArbitrationID: id, Answer: req.Answer, FullyFunded: funded})
}

// GetNumberOfRounds handles GET /api/v1/arbitrations/{arbitrationID}/rounds
func (h *Handler) GetNumberOfRounds(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.NumberOfRounds(r.Context(), chi.URLParam(r, "arbitrationID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rounds": n})
}

// GetRoundInfo handles GET /api/v1/arbitrations/{arbitrationID}/rounds/{round}
func (h *Handler) GetRoundInfo(w http.ResponseWriter, r *http.Request) {
	round, err := intParam(r, "round")
	if err != nil {
		writeErr(w, err)
		return
	}
	info, err := h.svc.RoundInfo(r.Context(), chi.URLParam(r, "arbitrationID"), round)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetFundingStatus handles GET /api/v1/arbitrations/{arbitrationID}/rounds/{round}/answers/{answer}
func (h *Handler) GetFundingStatus(w http.ResponseWriter, r *http.Request) {
	round, err := intParam(r, "round")
	if err != nil {
		writeErr(w, err)
		return
	}
	answer, err := uintParam(r, "answer")
	if err != nil {
		writeErr(w, err)
		return
	}
	status, err := h.svc.FundingStatus(r.Context(), chi.URLParam(r, "arbitrationID"), round, answer)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetContributions handles GET /api/v1/arbitrations/{arbitrationID}/rounds/{round}/contributions/{contributor}
// Returns the contributor's stake in every funded answer of the round.
func (h *Handler) GetContributions(w http.ResponseWriter, r *http.Request) {
	round, err := intParam(r, "round")
	if err != nil {
		writeErr(w, err)
		return
	}
	out, err := h.svc.ContributionsToSuccessfulFundings(r.Context(),
		chi.URLParam(r, "arbitrationID"), round, chi.URLParam(r, "contributor"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Withdraw handles POST /api/v1/arbitrations/{arbitrationID}/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	defer metrics.Since("withdraw", time.Now())

	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Answers) == 0 {
		writeError(w, "answers is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "arbitrationID")
	var (
		amount decimal.Decimal
		err    error
	)
	switch {
	case req.Round == nil:
		amount, err = h.svc.WithdrawForAllRounds(ctx, id, req.Beneficiary, req.Answers)
	case len(req.Answers) == 1:
		amount, err = h.svc.Withdraw(ctx, id, req.Beneficiary, *req.Round, req.Answers[0])
	default:
		amount, err = h.svc.WithdrawForMultipleAnswers(ctx, id, req.Beneficiary, *req.Round, req.Answers)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawalResponse{Beneficiary: req.Beneficiary, Amount: amount})
}

// GetWithdrawable handles GET /api/v1/arbitrations/{arbitrationID}/withdrawable/{beneficiary}?answers=1,2
func (h *Handler) GetWithdrawable(w http.ResponseWriter, r *http.Request) {
	answers, err := answersQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	beneficiary := chi.URLParam(r, "beneficiary")
	amount, err := h.svc.TotalWithdrawableAmount(r.Context(), chi.URLParam(r, "arbitrationID"), beneficiary, answers)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawalResponse{Beneficiary: beneficiary, Amount: amount})
}

// GetDisputeFee handles GET /api/v1/dispute-fee
func (h *Handler) GetDisputeFee(w http.ResponseWriter, r *http.Request) {
	fee, err := h.svc.DisputeFee(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"fee": fee})
}

// GetMultipliers handles GET /api/v1/multipliers
func (h *Handler) GetMultipliers(w http.ResponseWriter, r *http.Request) {
	winner, loser, divisor := h.svc.Multipliers()
	writeJSON(w, http.StatusOK, map[string]int64{
		"winner":  winner,
		"loser":   loser,
		"divisor": divisor,
	})
}

// GetDisputeArbitration handles GET /api/v1/disputes/{disputeID}
// Only pending disputes resolve to a question.
func (h *Handler) GetDisputeArbitration(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uintParam(r, "disputeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	id, err := h.svc.ArbitrationIDForDispute(r.Context(), disputeID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispute_id": disputeID, "arbitration_id": id})
}
