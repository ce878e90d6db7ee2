package home

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/arbitration-proxy/internal/arbitrator"
	"github.com/atmx/arbitration-proxy/internal/bridge"
	"github.com/atmx/arbitration-proxy/internal/ledger"
	"github.com/atmx/arbitration-proxy/internal/model"
	"github.com/atmx/arbitration-proxy/internal/proxy"
	"github.com/atmx/arbitration-proxy/internal/store"
)

const (
	question  = "0x3333333333333333333333333333333333333333333333333333333333333333"
	requester = "0x00000000000000000000000000000000000000aa"
	rival     = "0x00000000000000000000000000000000000000bb"

	foreignAddr = "0x000000000000000000000000000000000000f0f0"
	homeAddr    = "0x000000000000000000000000000000000000e0e0"
	arbAddr     = "0x000000000000000000000000000000000000abab"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type world struct {
	ctx     context.Context
	bus     *bridge.Loopback
	oracle  *MemoryOracle
	home    *Proxy
	foreign *proxy.Service
	arb     *arbitrator.Centralized
	ledger  *ledger.MemoryLedger
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		ctx:    context.Background(),
		bus:    bridge.NewLoopback("amb"),
		oracle: NewMemoryOracle(),
		arb:    arbitrator.NewCentralized(arbAddr, d(1000), d(100)),
		ledger: ledger.NewMemoryLedger(),
	}
	w.home = New(Settings{
		Address:     homeAddr,
		Domain:      "home",
		Transport:   "amb",
		PeerDomain:  "foreign",
		PeerAddress: foreignAddr,
	}, w.oracle, w.bus.Endpoint("home", homeAddr))

	foreign, err := proxy.New(proxy.Settings{
		Address:           foreignAddr,
		Domain:            "foreign",
		ArbitratorAddress: arbAddr,
		Transport:         "amb",
		PeerDomain:        "home",
		PeerAddress:       homeAddr,
		WinnerMultiplier:  5000,
		LoserMultiplier:   10000,
	}, store.NewMemoryStore(), w.arb, w.bus.Endpoint("foreign", foreignAddr), w.ledger, nil)
	require.NoError(t, err)
	w.foreign = foreign
	w.arb.SetRuler(foreign)

	w.bus.Register("home", homeAddr, w.home)
	w.bus.Register("foreign", foreignAddr, foreign)
	return w
}

func (w *world) pump(t *testing.T) {
	t.Helper()
	_, err := w.bus.Pump(w.ctx)
	require.NoError(t, err)
}

func (w *world) foreignStatus(t *testing.T, who string) model.Status {
	t.Helper()
	req, err := w.foreign.Request(w.ctx, question, who)
	require.NoError(t, err)
	return req.Status
}

func TestEndToEnd_RequestRulingAndReport(t *testing.T) {
	w := newWorld(t)
	w.oracle.Ask(question, d(10))

	require.NoError(t, w.foreign.RequestArbitration(w.ctx, question, requester, d(1000), d(10)))
	w.pump(t)

	assert.Equal(t, StatusAwaitingRuling, w.home.Request(question, requester).Status)
	assert.Equal(t, model.StatusCreated, w.foreignStatus(t, requester))
	q, _ := w.oracle.Question(question)
	assert.True(t, q.Pending)

	req, _ := w.foreign.Request(w.ctx, question, requester)
	require.NoError(t, w.arb.GiveRuling(w.ctx, req.DisputeID, 3, 0))
	w.pump(t)

	r := w.home.Request(question, requester)
	assert.Equal(t, StatusFinished, r.Status)
	assert.Equal(t, uint64(2), r.Answer)

	q, _ = w.oracle.Question(question)
	assert.True(t, q.Finalized)
	assert.Equal(t, uint64(2), q.Answer)
	assert.Equal(t, requester, q.Answerer)
}

func TestEndToEnd_BondAboveMaxPreviousCancels(t *testing.T) {
	w := newWorld(t)
	w.oracle.Ask(question, d(50))

	require.NoError(t, w.foreign.RequestArbitration(w.ctx, question, requester, d(1000), d(10)))
	w.pump(t)

	assert.Equal(t, StatusNone, w.home.Request(question, requester).Status)
	assert.Equal(t, model.StatusNone, w.foreignStatus(t, requester))
	assert.True(t, w.ledger.Balance(requester).Equal(d(1000)), "deposit refunded")
}

func TestEndToEnd_SecondRequesterIsCanceled(t *testing.T) {
	w := newWorld(t)
	w.oracle.Ask(question, d(10))

	require.NoError(t, w.foreign.RequestArbitration(w.ctx, question, requester, d(1000), d(0)))
	require.NoError(t, w.foreign.RequestArbitration(w.ctx, question, rival, d(1000), d(0)))
	w.pump(t)

	assert.Equal(t, model.StatusCreated, w.foreignStatus(t, requester))
	assert.Equal(t, model.StatusNone, w.foreignStatus(t, rival))
	assert.True(t, w.ledger.Balance(rival).Equal(d(1000)))
}

func TestEndToEnd_FailedDisputeReleasesQuestion(t *testing.T) {
	w := newWorld(t)
	w.oracle.Ask(question, d(10))

	require.NoError(t, w.foreign.RequestArbitration(w.ctx, question, requester, d(1000), d(0)))
	w.arb.SetCost(d(5000))
	w.pump(t)
	assert.Equal(t, model.StatusFailed, w.foreignStatus(t, requester))

	q, _ := w.oracle.Question(question)
	assert.True(t, q.Pending, "still locked until reconciliation")

	require.NoError(t, w.foreign.HandleFailedDisputeCreation(w.ctx, question, requester))
	w.pump(t)

	q, _ = w.oracle.Question(question)
	assert.False(t, q.Pending)
	assert.Equal(t, StatusNone, w.home.Request(question, requester).Status)
}

// flaky fails the next n sends.
type flaky struct {
	inner bridge.Messenger
	n     int
}

func (f *flaky) Send(ctx context.Context, peerDomain, peerAddress string, m bridge.Message, gasBudget uint64) error {
	if f.n > 0 {
		f.n--
		return bridge.ErrTransportClosed
	}
	return f.inner.Send(ctx, peerDomain, peerAddress, m, gasBudget)
}

func TestEndToEnd_LostReplyCanBeRelayedAgain(t *testing.T) {
	w := newWorld(t)
	w.oracle.Ask(question, d(10))
	w.home.messenger = &flaky{inner: w.home.messenger, n: 1}

	require.NoError(t, w.foreign.RequestArbitration(w.ctx, question, requester, d(1000), d(0)))
	w.pump(t)

	assert.Equal(t, StatusNotified, w.home.Request(question, requester).Status)
	assert.Equal(t, model.StatusRequested, w.foreignStatus(t, requester))

	// Anyone may relay the acknowledgement again.
	require.NoError(t, w.home.HandleNotifiedRequest(w.ctx, question, requester))
	w.pump(t)
	assert.Equal(t, StatusAwaitingRuling, w.home.Request(question, requester).Status)
	assert.Equal(t, model.StatusCreated, w.foreignStatus(t, requester))

	assert.ErrorIs(t, w.home.HandleNotifiedRequest(w.ctx, question, requester), ErrInvalidStatus)
}

func TestDeliver_RejectsUntrustedOrigins(t *testing.T) {
	w := newWorld(t)
	w.oracle.Ask(question, d(10))

	env, err := bridge.Seal("amb", "foreign", "0x000000000000000000000000000000000000dead", "home", homeAddr, 0,
		bridge.FinalAnswer(question, 1))
	require.NoError(t, err)
	assert.ErrorIs(t, w.home.Deliver(w.ctx, env), ErrUnauthorized)

	env, err = bridge.Seal("other", "foreign", foreignAddr, "home", homeAddr, 0,
		bridge.RequestAcknowledgement(question, requester, d(0)))
	require.NoError(t, err)
	assert.ErrorIs(t, w.home.Deliver(w.ctx, env), ErrUnauthorized)

	q, _ := w.oracle.Question(question)
	assert.False(t, q.Pending)
}

func TestMemoryOracle_Rules(t *testing.T) {
	o := NewMemoryOracle()
	ctx := context.Background()

	assert.ErrorIs(t, o.NotifyOfArbitrationRequest(ctx, question, requester, d(0)), ErrQuestionNotFound)

	o.Ask(question, d(10))
	assert.ErrorIs(t, o.CancelArbitration(ctx, question), ErrNotPending)
	require.NoError(t, o.NotifyOfArbitrationRequest(ctx, question, requester, d(0)))
	assert.ErrorIs(t, o.NotifyOfArbitrationRequest(ctx, question, rival, d(0)), ErrQuestionLocked)

	require.NoError(t, o.SubmitAnswerByArbitrator(ctx, question, 1, requester))
	assert.ErrorIs(t, o.NotifyOfArbitrationRequest(ctx, question, rival, d(0)), ErrQuestionFinalized)
}

func TestEndToEnd_RulingWaitsForAppealWindow(t *testing.T) {
	w := newWorld(t)
	w.oracle.Ask(question, d(10))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.arb.SetClock(func() time.Time { return now })

	require.NoError(t, w.foreign.RequestArbitration(w.ctx, question, requester, d(1000), d(0)))
	w.pump(t)
	req, _ := w.foreign.Request(w.ctx, question, requester)

	require.NoError(t, w.arb.GiveRuling(w.ctx, req.DisputeID, 1, time.Hour))
	assert.ErrorIs(t, w.arb.ExecuteRuling(w.ctx, req.DisputeID), arbitrator.ErrPeriodNotOver)
	assert.Equal(t, StatusAwaitingRuling, w.home.Request(question, requester).Status)

	now = now.Add(time.Hour)
	require.NoError(t, w.arb.ExecuteRuling(w.ctx, req.DisputeID))
	w.pump(t)
	assert.Equal(t, StatusFinished, w.home.Request(question, requester).Status)
}
