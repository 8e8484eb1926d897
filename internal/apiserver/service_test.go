package apiserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clmm/backend/internal/chain/chaintest"
	"github.com/coldbell/clmm/backend/internal/config"
	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/dex/dextest"
	"github.com/coldbell/clmm/backend/internal/mirror"
	"github.com/coldbell/clmm/backend/internal/txbuilder"
)

var testPrograms = dex.Programs{
	Whirlpool:        dex.WhirlpoolProgramID,
	WhirlpoolsConfig: dex.DefaultWhirlpoolsConfig,
	Presale:          solana.NewWallet().PublicKey(),
}

type fixture struct {
	fake    *chaintest.Fake
	service *Service
	server  *httptest.Server
	pool    solana.PublicKey
	mintA   solana.PublicKey
	mintB   solana.PublicKey
}

func newFixture(t *testing.T, cfg config.APIServerConfig) *fixture {
	t.Helper()
	fake := chaintest.NewFake()
	mintA, mintB := dextest.Mints()
	pool := dextest.Install(fake, dextest.Pool{
		Programs:    testPrograms,
		MintA:       mintA,
		MintB:       mintB,
		DecimalsA:   6,
		DecimalsB:   6,
		TickSpacing: 64,
		FeeRate:     3000,
		Liquidity:   1_000_000_000_000,
	})
	for _, start := range []int32{0, -5632, -11264, 5632, 11264} {
		dextest.InstallTickArray(fake, testPrograms, pool, start, nil)
	}

	transactions := txbuilder.NewService(fake, testPrograms, txbuilder.Config{}, nil)
	reconciler := mirror.NewReconciler(mirror.NewMemoryStore(), dex.NewFetcher(fake, testPrograms), nil, nil)
	svc, err := New(cfg, Deps{Reconciler: reconciler, Transactions: transactions}, nil)
	require.NoError(t, err)
	svc.snapshotInterval = 20 * time.Millisecond

	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)
	return &fixture{fake: fake, service: svc, server: server, pool: pool, mintA: mintA, mintB: mintB}
}

func (f *fixture) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	code, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestQuoteSwap(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	code, body := f.post(t, "/api/v1/quotes/swap", map[string]any{
		"pool": f.pool.String(), "amount": "100", "a_to_b": true, "slippage_bps": 100,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "100", body["amount_in"])
	assert.Equal(t, "98", body["amount_out"])
	assert.Equal(t, "1", body["fee"])
	assert.Equal(t, "97", body["minimum_out"])
	assert.Len(t, body["tick_arrays"], 3)
}

func TestQuoteSwapInvalidInput(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	code, body := f.post(t, "/api/v1/quotes/swap", map[string]any{"pool": "not-a-key", "amount": "abc"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_input", body["kind"])
	assert.Contains(t, body["error"], "pool")
	assert.Contains(t, body["error"], "amount must be an integer")

	code, _ = f.post(t, "/api/v1/quotes/swap", map[string]any{"pool": f.pool.String(), "amount": "1", "unexpected": 1})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestQuoteSwapMissingPoolIsStale(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	code, body := f.post(t, "/api/v1/quotes/swap", map[string]any{
		"pool": solana.NewWallet().PublicKey().String(), "amount": "100", "a_to_b": true, "slippage_bps": 100,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "stale_state", body["kind"])
}

func TestBuildSwapTransaction(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	code, body := f.post(t, "/api/v1/transactions/swap", map[string]any{
		"user": solana.NewWallet().PublicKey().String(), "pool": f.pool.String(),
		"amount": "100", "a_to_b": true, "slippage_bps": 100,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, body["transaction"])
	accounts, ok := body["accounts"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, f.mintA.String(), accounts["token_in"])
	assert.Equal(t, f.mintB.String(), accounts["token_out"])
	quote, ok := body["quote"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "97", quote["minimum_out"])
}

func TestReconcileSwapConflictIsNotApplied(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	user := solana.NewWallet().PublicKey().String()

	code, body := f.post(t, "/api/v1/reconcile/pools", map[string]any{
		"pool": f.pool.String(), "mint_a": f.mintA.String(), "mint_b": f.mintB.String(), "tick_spacing": 64,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["applied"])

	code, body = f.post(t, "/api/v1/reconcile/pools", map[string]any{
		"pool": f.pool.String(), "mint_a": f.mintA.String(), "mint_b": f.mintB.String(), "tick_spacing": 64,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, false, body["applied"])

	swap := map[string]any{
		"pool": f.pool.String(), "user": user, "token_in": f.mintA.String(), "token_out": f.mintB.String(),
		"amount_in": "100", "amount_out": "98", "tx_hash": "5xSig",
	}
	code, body = f.post(t, "/api/v1/reconcile/swaps", swap)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["applied"])

	code, body = f.post(t, "/api/v1/reconcile/swaps", swap)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, false, body["applied"])
}

func TestReconcilePositionAndList(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{IDPrefix: "test_"})
	user := solana.NewWallet().PublicKey().String()

	for _, delta := range []map[string]any{
		{"user": user, "pool": f.pool.String(), "delta_a": "1000", "delta_b": "500", "delta_lp": "42"},
		{"user": user, "pool": f.pool.String(), "delta_a": "-400"},
	} {
		code, body := f.post(t, "/api/v1/reconcile/positions", delta)
		require.Equal(t, http.StatusOK, code, body)
	}

	code, body := f.get(t, "/api/v1/positions?wallet="+user)
	require.Equal(t, http.StatusOK, code, body)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	pos := items[0].(map[string]any)
	assert.Equal(t, "600", pos["amount_a"])
	assert.Equal(t, "500", pos["amount_b"])
	assert.Equal(t, "42", pos["liquidity"])
	assert.True(t, strings.HasPrefix(pos["id"].(string), "test_"))

	code, _ = f.get(t, "/api/v1/positions?wallet=nope")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPresaleLifecycle(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	now := time.Now().UTC()

	code, body := f.post(t, "/api/v1/presales", map[string]any{
		"address":    solana.NewWallet().PublicKey().String(),
		"token_mint": f.mintA.String(),
		"price":      "0.05",
		"hard_cap":   "1000",
		"start_time": now.Add(-time.Hour).Format(time.RFC3339),
		"end_time":   now.Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, code, body)
	id, _ := body["id"].(string)
	require.True(t, strings.HasPrefix(id, "cdx_"))
	assert.Equal(t, "active", body["status"])

	wallet := solana.NewWallet().PublicKey().String()
	code, body = f.post(t, "/api/v1/presales/"+id+"/contributions", map[string]any{
		"wallet": wallet, "amount": "400", "tx_hash": "contrib-1",
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["applied"])

	code, body = f.post(t, "/api/v1/presales/"+id+"/contributions", map[string]any{
		"wallet": wallet, "amount": "700", "tx_hash": "contrib-2",
	})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body = f.get(t, "/api/v1/presales/"+id)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "400", body["total_raised"])
	assert.Equal(t, id, body["id"])

	code, body = f.get(t, "/api/v1/presales/cdx_missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["kind"])
}

func TestContributionAfterEndIsStale(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	now := time.Now().UTC()
	code, body := f.post(t, "/api/v1/presales", map[string]any{
		"address":    solana.NewWallet().PublicKey().String(),
		"token_mint": f.mintA.String(),
		"price":      "1",
		"hard_cap":   "1000",
		"start_time": now.Add(-2 * time.Hour).Format(time.RFC3339),
		"end_time":   now.Add(-time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = f.post(t, "/api/v1/presales/"+body["id"].(string)+"/contributions", map[string]any{
		"wallet": solana.NewWallet().PublicKey().String(), "amount": "1", "tx_hash": "late",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "stale_state", body["kind"])
}

func TestCORS(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{AllowedOrigins: []string{"https://app.example"}})

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/v1/quotes/swap", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketPoolSnapshots(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	channel := "pool." + f.pool.String()
	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: channel}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var envelope struct {
		Type    string           `json:"type"`
		Channel string           `json:"channel"`
		Data    poolSnapshotView `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, "event", envelope.Type)
	assert.Equal(t, channel, envelope.Channel)
	assert.Equal(t, f.pool.String(), envelope.Data.Pool)
	assert.Equal(t, int32(0), envelope.Data.Tick)
	assert.Equal(t, "1000000000000", envelope.Data.Liquidity)
}

func TestWebsocketRejectsUnknownChannel(t *testing.T) {
	f := newFixture(t, config.APIServerConfig{})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: "market.price.SOL"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var envelope websocketEnvelope
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, "error", envelope.Type)
	assert.Contains(t, envelope.Error, "unknown channel")
}
