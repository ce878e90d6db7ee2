package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/api"
	"github.com/atmx/arbitration-proxy/internal/arbitrator"
	"github.com/atmx/arbitration-proxy/internal/bridge"
	"github.com/atmx/arbitration-proxy/internal/home"
	"github.com/atmx/arbitration-proxy/internal/ledger"
	"github.com/atmx/arbitration-proxy/internal/model"
	"github.com/atmx/arbitration-proxy/internal/proxy"
	"github.com/atmx/arbitration-proxy/internal/store"
)

const (
	question  = "0x4444444444444444444444444444444444444444444444444444444444444444"
	requester = "0x00000000000000000000000000000000000000aa"
	alice     = "0x00000000000000000000000000000000000000a1"
	bob       = "0x00000000000000000000000000000000000000b0"

	foreignAddr = "0x000000000000000000000000000000000000f0f0"
	homeAddr    = "0x000000000000000000000000000000000000e0e0"
	arbAddr     = "0x000000000000000000000000000000000000abab"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type testEnv struct {
	router chi.Router
	bus    *bridge.Loopback
	ledger *ledger.MemoryLedger
	oracle *home.MemoryOracle
}

const relayToken = "relay-secret"

// newTestEnv wires both domains over a loopback bridge behind one router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, "amb")
}

// newTestEnvWith names the trusted transport and adds handler options.
func newTestEnvWith(t *testing.T, transport string, opts ...api.Option) *testEnv {
	t.Helper()
	bus := bridge.NewLoopback(transport)
	arb := arbitrator.NewCentralized(arbAddr, d(1000), d(100))
	lg := ledger.NewMemoryLedger()
	oracle := home.NewMemoryOracle()

	svc, err := proxy.New(proxy.Settings{
		Address:           foreignAddr,
		Domain:            "foreign",
		ArbitratorAddress: arbAddr,
		Transport:         transport,
		PeerDomain:        "home",
		PeerAddress:       homeAddr,
		WinnerMultiplier:  5000,
		LoserMultiplier:   10000,
	}, store.NewMemoryStore(), arb, bus.Endpoint("foreign", foreignAddr), lg, nil)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}
	arb.SetRuler(svc)

	hp := home.New(home.Settings{
		Address:     homeAddr,
		Domain:      "home",
		Transport:   transport,
		PeerDomain:  "foreign",
		PeerAddress: foreignAddr,
	}, oracle, bus.Endpoint("home", homeAddr))

	bus.Register("foreign", foreignAddr, svc)
	bus.Register("home", homeAddr, hp)

	r := chi.NewRouter()
	opts = append([]api.Option{api.WithArbitrator(arb), api.WithHome(hp, oracle)}, opts...)
	api.New(svc, opts...).Register(r)
	return &testEnv{router: r, bus: bus, ledger: lg, oracle: oracle}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, "", method, path, body)
}

// doAs sends the request with token as bearer credential, if any.
func (e *testEnv) doAs(t *testing.T, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) pump(t *testing.T) {
	t.Helper()
	if _, err := e.bus.Pump(context.Background()); err != nil {
		t.Fatalf("pump: %v", err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, want, w.Body.String())
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestArbitrationLifecycle(t *testing.T) {
	e := newTestEnv(t)
	base := "/api/v1/arbitrations/" + question

	w := e.do(t, "POST", "/api/v1/home/questions", api.QuestionRequest{QuestionID: question, Bond: d(10)})
	expectStatus(t, w, http.StatusCreated)

	w = e.do(t, "GET", "/api/v1/dispute-fee", nil)
	expectStatus(t, w, http.StatusOK)
	if fee := decode[map[string]decimal.Decimal](t, w)["fee"]; !fee.Equal(d(1000)) {
		t.Fatalf("fee = %s", fee)
	}

	w = e.do(t, "POST", "/api/v1/arbitrations", api.ArbitrationRequest{
		QuestionID: question, Requester: requester, Deposit: d(1000), MaxPrevious: d(10),
	})
	expectStatus(t, w, http.StatusAccepted)
	if got := decode[model.ArbitrationRequest](t, w); got.Status != model.StatusRequested {
		t.Fatalf("status = %s, want requested", got.Status)
	}

	e.pump(t)

	w = e.do(t, "GET", base+"/requests/"+requester, nil)
	expectStatus(t, w, http.StatusOK)
	created := decode[model.ArbitrationRequest](t, w)
	if created.Status != model.StatusCreated || created.DisputeID != 0 {
		t.Fatalf("request = %+v, want created dispute 0", created)
	}

	w = e.do(t, "GET", base+"/requests", nil)
	expectStatus(t, w, http.StatusOK)
	if list := decode[[]model.ArbitrationRequest](t, w); len(list) != 1 || list[0].Requester != requester {
		t.Fatalf("requests = %+v", list)
	}

	w = e.do(t, "GET", "/api/v1/disputes/0", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[map[string]any](t, w)["arbitration_id"]; got != question {
		t.Fatalf("arbitration id = %v", got)
	}

	w = e.do(t, "POST", "/api/v1/dev/disputes/0/ruling", api.RulingRequest{Ruling: 2, AppealWindowSeconds: 600})
	expectStatus(t, w, http.StatusOK)

	// Loser (answer 1) owes 100 + 100%, winner (answer 2) 100 + 50%.
	w = e.do(t, "POST", base+"/appeals", api.AppealRequest{Contributor: alice, Answer: 1, Amount: d(250)})
	expectStatus(t, w, http.StatusOK)
	if !decode[api.AppealResponse](t, w).FullyFunded {
		t.Fatal("answer 1 should be fully funded")
	}
	if bal := e.ledger.Balance(alice); !bal.Equal(d(50)) {
		t.Fatalf("alice refund = %s, want 50", bal)
	}

	w = e.do(t, "POST", base+"/appeals", api.AppealRequest{Contributor: alice, Answer: 1, Amount: d(10)})
	expectStatus(t, w, http.StatusConflict)

	w = e.do(t, "POST", base+"/appeals", api.AppealRequest{Contributor: bob, Answer: 2, Amount: d(150)})
	expectStatus(t, w, http.StatusOK)

	w = e.do(t, "GET", base+"/rounds", nil)
	expectStatus(t, w, http.StatusOK)
	if n := decode[map[string]int](t, w)["rounds"]; n != 2 {
		t.Fatalf("rounds = %d, want 2", n)
	}

	w = e.do(t, "GET", base+"/rounds/0", nil)
	expectStatus(t, w, http.StatusOK)
	if info := decode[model.RoundInfo](t, w); !info.FeeRewards.Equal(d(250)) || len(info.FundedAnswers) != 2 {
		t.Fatalf("round 0 = %+v", info)
	}

	w = e.do(t, "GET", base+"/rounds/0/answers/1", nil)
	expectStatus(t, w, http.StatusOK)
	if st := decode[model.FundingStatus](t, w); !st.Funded || !st.PaidFees.Equal(d(200)) {
		t.Fatalf("funding status = %+v", st)
	}

	w = e.do(t, "GET", base+"/rounds/0/contributions/"+alice, nil)
	expectStatus(t, w, http.StatusOK)
	if c := decode[map[string]decimal.Decimal](t, w); !c["1"].Equal(d(200)) || !c["2"].IsZero() {
		t.Fatalf("contributions = %v", c)
	}

	// Appealed ruling is overturned for good.
	w = e.do(t, "POST", "/api/v1/dev/disputes/0/ruling", api.RulingRequest{Ruling: 1})
	expectStatus(t, w, http.StatusOK)
	e.pump(t)

	w = e.do(t, "GET", base+"/withdrawable/"+alice+"?answers=1,2", nil)
	expectStatus(t, w, http.StatusOK)
	if amt := decode[api.WithdrawalResponse](t, w).Amount; !amt.Equal(d(250)) {
		t.Fatalf("withdrawable = %s, want 250", amt)
	}

	w = e.do(t, "POST", base+"/withdrawals", api.WithdrawalRequest{Beneficiary: alice, Answers: []uint64{1, 2}})
	expectStatus(t, w, http.StatusOK)
	if amt := decode[api.WithdrawalResponse](t, w).Amount; !amt.Equal(d(250)) {
		t.Fatalf("withdrawn = %s, want 250", amt)
	}
	if bal := e.ledger.Balance(alice); !bal.Equal(d(300)) {
		t.Fatalf("alice balance = %s, want 300", bal)
	}

	w = e.do(t, "GET", "/api/v1/home/questions/"+question, nil)
	expectStatus(t, w, http.StatusOK)
	q := decode[home.Question](t, w)
	if !q.Finalized || q.Answer != 0 || q.Answerer != requester {
		t.Fatalf("question = %+v, want finalized with answer 0", q)
	}
}

func TestErrorMapping(t *testing.T) {
	e := newTestEnv(t)
	e.oracle.Ask(question, d(10))
	base := "/api/v1/arbitrations/" + question

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad question id", "POST", "/api/v1/arbitrations",
			api.ArbitrationRequest{QuestionID: "0x12", Requester: requester, Deposit: d(1000)}, http.StatusBadRequest},
		{"deposit below fee", "POST", "/api/v1/arbitrations",
			api.ArbitrationRequest{QuestionID: question, Requester: requester, Deposit: d(10)}, http.StatusUnprocessableEntity},
		{"appeal without dispute", "POST", base + "/appeals",
			api.AppealRequest{Contributor: alice, Answer: 1, Amount: d(10)}, http.StatusConflict},
		{"list with bad question id", "GET", "/api/v1/arbitrations/0x12/requests", nil, http.StatusBadRequest},
		{"round not an integer", "GET", base + "/rounds/abc", nil, http.StatusBadRequest},
		{"withdrawable needs answers", "GET", base + "/withdrawable/" + alice, nil, http.StatusBadRequest},
		{"withdrawal needs answers", "POST", base + "/withdrawals", api.WithdrawalRequest{Beneficiary: alice}, http.StatusBadRequest},
		{"unknown dispute", "GET", "/api/v1/disputes/7", nil, http.StatusNotFound},
		{"dev dispute missing", "GET", "/api/v1/dev/disputes/7", nil, http.StatusNotFound},
		{"relay without request", "POST", "/api/v1/home/requests/" + question + "/" + requester + "/relay", nil, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, tt.method, tt.path, tt.body)
			expectStatus(t, w, tt.want)
			if decode[map[string]any](t, w)["error"] == nil {
				t.Error("error body missing")
			}
		})
	}
}

func (e *testEnv) requestStatus(t *testing.T) model.Status {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/arbitrations/"+question+"/requests/"+requester, nil)
	expectStatus(t, w, http.StatusOK)
	return decode[model.ArbitrationRequest](t, w).Status
}

func homeAck(t *testing.T, transport string) bridge.Envelope {
	t.Helper()
	env, err := bridge.Seal(transport, "home", homeAddr, "foreign", foreignAddr, 0,
		bridge.AcknowledgeCreated(question, requester))
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestInbound_NotMountedWithoutRelay(t *testing.T) {
	e := newTestEnv(t)
	e.oracle.Ask(question, d(10))
	w := e.do(t, "POST", "/api/v1/arbitrations", api.ArbitrationRequest{
		QuestionID: question, Requester: requester, Deposit: d(1200),
	})
	expectStatus(t, w, http.StatusAccepted)

	// An envelope that looks exactly like the home proxy's reply.
	w = e.do(t, "POST", "/bridge/inbound", homeAck(t, "amb"))
	expectStatus(t, w, http.StatusNotFound)

	if got := e.requestStatus(t); got != model.StatusRequested {
		t.Fatalf("status = %s, want requested", got)
	}
	if bal := e.ledger.Balance(requester); !bal.IsZero() {
		t.Fatalf("requester paid %s before the home domain answered", bal)
	}

	e.pump(t)
	if got := e.requestStatus(t); got != model.StatusCreated {
		t.Fatalf("status = %s, want created", got)
	}
}

func TestInbound_RelayerRejections(t *testing.T) {
	e := newTestEnvWith(t, bridge.HTTPTransport, api.WithRelay(bridge.HTTPTransport, relayToken))
	e.oracle.Ask(question, d(10))

	untrusted := homeAck(t, bridge.HTTPTransport)
	untrusted.OriginAddress = "0x000000000000000000000000000000000000dead"
	elsewhere := homeAck(t, bridge.HTTPTransport)
	elsewhere.TargetDomain = "mars"

	tests := []struct {
		name  string
		token string
		env   bridge.Envelope
		want  int
	}{
		{"missing token", "", homeAck(t, bridge.HTTPTransport), http.StatusUnauthorized},
		{"wrong token", "guess", homeAck(t, bridge.HTTPTransport), http.StatusUnauthorized},
		{"untrusted origin", relayToken, untrusted, http.StatusForbidden},
		{"unknown target domain", relayToken, elsewhere, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.doAs(t, tt.token, "POST", "/bridge/inbound", tt.env)
			expectStatus(t, w, tt.want)
			if decode[map[string]any](t, w)["error"] == nil {
				t.Error("error body missing")
			}
		})
	}
}

func TestInbound_AttributesEnvelopesToRelay(t *testing.T) {
	// The proxy trusts "amb"; an authenticated relayer over HTTP cannot
	// speak for it by claiming that transport.
	e := newTestEnvWith(t, "amb", api.WithRelay(bridge.HTTPTransport, relayToken))
	e.oracle.Ask(question, d(10))
	w := e.do(t, "POST", "/api/v1/arbitrations", api.ArbitrationRequest{
		QuestionID: question, Requester: requester, Deposit: d(1200),
	})
	expectStatus(t, w, http.StatusAccepted)

	w = e.doAs(t, relayToken, "POST", "/bridge/inbound", homeAck(t, "amb"))
	expectStatus(t, w, http.StatusForbidden)
	if got := e.requestStatus(t); got != model.StatusRequested {
		t.Fatalf("status = %s, want requested", got)
	}
}

func TestInbound_RelayerCarriesBothDirections(t *testing.T) {
	e := newTestEnvWith(t, bridge.HTTPTransport, api.WithRelay(bridge.HTTPTransport, relayToken))
	e.oracle.Ask(question, d(10))

	w := e.do(t, "POST", "/api/v1/arbitrations", api.ArbitrationRequest{
		QuestionID: question, Requester: requester, Deposit: d(1200),
	})
	expectStatus(t, w, http.StatusAccepted)

	// The relayer picks envelopes off the outbound queue and hands them over
	// HTTP; the queue itself is never pumped.
	relay := func(i int) {
		t.Helper()
		pending := e.bus.Pending()
		if len(pending) <= i {
			t.Fatalf("pending = %d envelopes, want more than %d", len(pending), i)
		}
		env := pending[i]
		env.Transport = "spoofed"
		w := e.doAs(t, relayToken, "POST", "/bridge/inbound", env)
		expectStatus(t, w, http.StatusAccepted)
	}

	relay(0) // request acknowledgement to home
	w = e.do(t, "GET", "/api/v1/home/requests/"+question+"/"+requester, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[home.Request](t, w).Status; got != home.StatusAwaitingRuling {
		t.Fatalf("home status = %s, want awaiting ruling", got)
	}

	relay(1) // home's acknowledgement back to foreign
	if got := e.requestStatus(t); got != model.StatusCreated {
		t.Fatalf("status = %s, want created", got)
	}
	if bal := e.ledger.Balance(requester); !bal.Equal(d(200)) {
		t.Fatalf("remainder = %s, want 200", bal)
	}
}
