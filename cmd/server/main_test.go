package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/api"
	"github.com/atmx/arbitration-proxy/internal/arbitrator"
	"github.com/atmx/arbitration-proxy/internal/bridge"
	"github.com/atmx/arbitration-proxy/internal/config"
	"github.com/atmx/arbitration-proxy/internal/home"
	"github.com/atmx/arbitration-proxy/internal/ledger"
	"github.com/atmx/arbitration-proxy/internal/proxy"
	"github.com/atmx/arbitration-proxy/internal/store"
)

func testConfig(transport string, brokers ...string) config.Config {
	return config.Config{
		KafkaBrokers: brokers,
		RelayToken:   "relay-secret",
		Proxy: proxy.Settings{
			Address:           "0x000000000000000000000000000000000000f0f0",
			Domain:            "foreign",
			ArbitratorAddress: "0x000000000000000000000000000000000000abab",
			Transport:         transport,
			PeerDomain:        "home",
			PeerAddress:       "0x000000000000000000000000000000000000e0e0",
			WinnerMultiplier:  3000,
			LoserMultiplier:   7000,
		},
		HomeAddress: "0x000000000000000000000000000000000000e0e0",
	}
}

func testRouter(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	bus := bridge.NewLoopback(cfg.Proxy.Transport)
	arb := arbitrator.NewCentralized(cfg.Proxy.ArbitratorAddress, decimal.NewFromInt(1000), decimal.NewFromInt(100))
	svc, err := proxy.New(cfg.Proxy, store.NewMemoryStore(), arb,
		bus.Endpoint(cfg.Proxy.Domain, cfg.Proxy.Address), ledger.NewMemoryLedger(), nil)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}

	var (
		hp     *home.Proxy
		oracle *home.MemoryOracle
	)
	if !cfg.Bridged() {
		oracle = home.NewMemoryOracle()
		hs := cfg.HomeSettings()
		hp = home.New(hs, oracle, bus.Endpoint(hs.Domain, hs.Address))
	}

	r := chi.NewRouter()
	api.New(svc, apiOptions(cfg, arb, hp, oracle)...).Register(r)
	return r
}

func post(r http.Handler, path, token, body string) int {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestAPIOptions_Surfaces(t *testing.T) {
	const (
		ruling  = "/api/v1/dev/disputes/0/ruling"
		askHome = "/api/v1/home/questions"
		inbound = "/bridge/inbound"
	)
	tests := []struct {
		name      string
		cfg       config.Config
		wantDev   bool
		wantHome  bool
		wantRelay bool
	}{
		{"loopback", testConfig("amb"), true, true, false},
		{"bridged", testConfig("amb", "kafka:9092"), false, false, false},
		{"bridged with http relayer", testConfig(bridge.HTTPTransport, "kafka:9092"), false, false, true},
		{"loopback with http relayer", testConfig(bridge.HTTPTransport), true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRouter(t, tt.cfg)

			// Mounted routes reject the malformed body; unmounted ones 404.
			mounted := func(path, token string) bool {
				return post(r, path, token, "{") != http.StatusNotFound
			}
			if got := mounted(ruling, ""); got != tt.wantDev {
				t.Errorf("dev arbitrator routes mounted = %v, want %v", got, tt.wantDev)
			}
			if got := mounted(askHome, ""); got != tt.wantHome {
				t.Errorf("home routes mounted = %v, want %v", got, tt.wantHome)
			}
			if got := mounted(inbound, "relay-secret"); got != tt.wantRelay {
				t.Errorf("relay inbound mounted = %v, want %v", got, tt.wantRelay)
			}
		})
	}
}
