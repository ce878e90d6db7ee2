package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/home"
	"github.com/atmx/arbitration-proxy/internal/ident"
)

// Development endpoints for the in-process arbitrator and home domain.

// RulingRequest is the JSON body for POST /dev/disputes/{disputeID}/ruling.
type RulingRequest struct {
	Ruling              uint64 `json:"ruling"`
	AppealWindowSeconds int64  `json:"appeal_window_seconds"` // 0 makes the ruling final
}

// QuestionRequest is the JSON body for POST /home/questions.
type QuestionRequest struct {
	QuestionID string          `json:"question_id"`
	Bond       decimal.Decimal `json:"bond"`
}

// GetDispute handles GET /api/v1/dev/disputes/{disputeID}
func (h *Handler) GetDispute(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "disputeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	d, err := h.arb.Dispute(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GiveRuling handles POST /api/v1/dev/disputes/{disputeID}/ruling
func (h *Handler) GiveRuling(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "disputeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	var req RulingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppealWindowSeconds < 0 {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	window := time.Duration(req.AppealWindowSeconds) * time.Second
	if err := h.arb.GiveRuling(r.Context(), id, req.Ruling, window); err != nil {
		writeErr(w, err)
		return
	}
	d, err := h.arb.Dispute(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ExecuteRuling handles POST /api/v1/dev/disputes/{disputeID}/execute
func (h *Handler) ExecuteRuling(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "disputeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.arb.ExecuteRuling(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	d, err := h.arb.Dispute(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// AskQuestion handles POST /api/v1/home/questions
func (h *Handler) AskQuestion(w http.ResponseWriter, r *http.Request) {
	var req QuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	q, err := ident.QuestionID(req.QuestionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := ident.Amount(req.Bond); err != nil {
		writeErr(w, err)
		return
	}
	h.oracle.Ask(q, req.Bond)
	question, err := h.oracle.Question(q)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, question)
}

// GetQuestion handles GET /api/v1/home/questions/{questionID}
func (h *Handler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := ident.QuestionID(chi.URLParam(r, "questionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	question, err := h.oracle.Question(q)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, question)
}

// GetHomeRequest handles GET /api/v1/home/requests/{questionID}/{requester}
func (h *Handler) GetHomeRequest(w http.ResponseWriter, r *http.Request) {
	q, requester, err := homeParams(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.home.Request(q, requester))
}

// RelayHomeRequest handles POST /api/v1/home/requests/{questionID}/{requester}/relay
// Resends the home proxy's answer to a request whose reply was lost.
func (h *Handler) RelayHomeRequest(w http.ResponseWriter, r *http.Request) {
	q, requester, err := homeParams(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx := r.Context()
	if h.home.Request(q, requester).Status == home.StatusRejected {
		err = h.home.HandleRejectedRequest(ctx, q, requester)
	} else {
		err = h.home.HandleNotifiedRequest(ctx, q, requester)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.home.Request(q, requester))
}

// ReportAnswer handles POST /api/v1/home/questions/{questionID}/report
func (h *Handler) ReportAnswer(w http.ResponseWriter, r *http.Request) {
	q, err := ident.QuestionID(chi.URLParam(r, "questionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.home.ReportAnswer(r.Context(), q); err != nil {
		writeErr(w, err)
		return
	}
	question, err := h.oracle.Question(q)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, question)
}

func homeParams(r *http.Request) (string, string, error) {
	q, err := ident.QuestionID(chi.URLParam(r, "questionID"))
	if err != nil {
		return "", "", err
	}
	requester, err := ident.Address(chi.URLParam(r, "requester"))
	if err != nil {
		return "", "", err
	}
	return q, requester, nil
}
