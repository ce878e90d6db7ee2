package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/events"
)

func TestRecorder_CountsAmounts(t *testing.T) {
	before := testutil.ToFloat64(ContributedAmount)
	kindsBefore := testutil.ToFloat64(NotificationsTotal.WithLabelValues(string(events.Contribution)))

	e := events.New(events.Contribution, "q")
	e.Amount = decimal.NewFromInt(40)
	Recorder{}.Notify(context.Background(), e)

	if got := testutil.ToFloat64(ContributedAmount) - before; got != 40 {
		t.Errorf("contributed delta = %v, want 40", got)
	}
	if got := testutil.ToFloat64(NotificationsTotal.WithLabelValues(string(events.Contribution))) - kindsBefore; got != 1 {
		t.Errorf("notification delta = %v, want 1", got)
	}
}

func TestObserveBridge_Outcome(t *testing.T) {
	ok := BridgeMessagesTotal.WithLabelValues("out", "final_answer", "ok")
	failed := BridgeMessagesTotal.WithLabelValues("out", "final_answer", "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	ObserveBridge("out", "final_answer", nil)
	ObserveBridge("out", "final_answer", errors.New("closed"))

	if testutil.ToFloat64(ok)-okBefore != 1 || testutil.ToFloat64(failed)-failedBefore != 1 {
		t.Error("expected one ok and one error observation")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/arbitrations/{arbitrationID}/rounds", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/arbitrations/{arbitrationID}/rounds", "418")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/arbitrations/0xabc/rounds", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("pattern-labelled requests delta = %v, want 1", got)
	}
}
