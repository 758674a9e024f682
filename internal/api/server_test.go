package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"solana-wallet-tracker/internal/clock"
	"solana-wallet-tracker/internal/database"
)

type fakeMonitor struct {
	stats map[string]interface{}
}

func (f *fakeMonitor) Stats() map[string]interface{} {
	return f.stats
}

func newTestServer(store *fakeStore, tokens *fakeTokens) (*Server, *Hub) {
	hub, _ := newTestHub(store, tokens)
	if tokens == nil {
		tokens = &fakeTokens{}
	}
	snapshots := NewSnapshotBuilder(store, tokens, clock.NewFixed(fixedNow), zerolog.Nop())
	monitor := &fakeMonitor{stats: map[string]interface{}{"active_wallets": 2, "seen_signatures": 40}}
	return NewServer(0, store, snapshots, hub, monitor, zerolog.Nop()), hub
}

func doRequest(t *testing.T, server *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
}

func TestHealthReportsGauges(t *testing.T) {
	server, _ := newTestServer(&fakeStore{}, nil)

	w := doRequest(t, server, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var response map[string]interface{}
	decodeBody(t, w, &response)
	if response["status"] != "ok" {
		t.Errorf("status = %v, want ok", response["status"])
	}
	if response["activeWallets"] != float64(2) {
		t.Errorf("activeWallets = %v, want 2", response["activeWallets"])
	}
	if response["connectedClients"] != float64(0) {
		t.Errorf("connectedClients = %v, want 0", response["connectedClients"])
	}
	if _, ok := response["uptime"].(string); !ok {
		t.Errorf("uptime missing from health response: %v", response)
	}
}

func TestListUsersReturnsSnapshots(t *testing.T) {
	userA := testUser(1, testWallet)
	userB := testUser(2, testWalletB)
	endBalance := database.Amount(1.5)
	store := &fakeStore{
		users: []*database.User{userA, userB},
		daily: map[string]*database.PnlRecord{
			testWallet + "/2024-07-15": {
				ID:            10,
				WalletAddress: testWallet,
				StartBalance:  1.4,
				EndBalance:    &endBalance,
				RealizedPnl:   0.1,
				TotalTrades:   3,
			},
		},
	}
	server, _ := newTestServer(store, nil)

	w := doRequest(t, server, "/api/users")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var snapshots []map[string]interface{}
	decodeBody(t, w, &snapshots)
	if len(snapshots) != 2 {
		t.Fatalf("snapshot count = %d, want 2", len(snapshots))
	}

	first, ok := snapshots[0]["user"].(map[string]interface{})
	if !ok {
		t.Fatalf("first snapshot has no user: %v", snapshots[0])
	}
	if first["wallet_address"] != testWallet {
		t.Errorf("first user wallet = %v, want %s", first["wallet_address"], testWallet)
	}
	if snapshots[0]["balance"] != "1.5" {
		t.Errorf("first balance = %v, want \"1.5\"", snapshots[0]["balance"])
	}
	// No pnl row yet for the second user: balance reads zero.
	if snapshots[1]["balance"] != "0" {
		t.Errorf("second balance = %v, want \"0\"", snapshots[1]["balance"])
	}
}

func TestGetUserResolvesTokenMeta(t *testing.T) {
	user := testUser(1, testWallet)
	store := &fakeStore{
		byWallet: map[string]*database.User{testWallet: user},
		latest: map[string]*database.Trade{
			testWallet: {
				ID:            7,
				Signature:     "sig-latest",
				WalletAddress: testWallet,
				TokenA:        testMintA,
				TokenB:        "So11111111111111111111111111111111111111112",
				Type:          database.TradeTypeBuy,
				AmountA:       10,
				AmountB:       0.1,
				TradePnl:      -0.1,
				Platform:      database.PlatformUnknown,
				Timestamp:     fixedNow,
			},
		},
	}
	tokens := &fakeTokens{tokens: map[string]*database.Token{
		testMintA: {Address: testMintA, Symbol: "USDC", Name: "USD Coin"},
	}}
	server, _ := newTestServer(store, tokens)

	w := doRequest(t, server, "/api/users/"+testWallet)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var snapshot map[string]interface{}
	decodeBody(t, w, &snapshot)
	lastTrade, ok := snapshot["lastTrade"].(map[string]interface{})
	if !ok {
		t.Fatalf("snapshot has no lastTrade: %v", snapshot)
	}
	if lastTrade["signature"] != "sig-latest" {
		t.Errorf("lastTrade signature = %v", lastTrade["signature"])
	}
	meta, ok := lastTrade["tokenAMeta"].(map[string]interface{})
	if !ok {
		t.Fatalf("lastTrade has no tokenAMeta: %v", lastTrade)
	}
	if meta["symbol"] != "USDC" {
		t.Errorf("tokenAMeta symbol = %v, want USDC", meta["symbol"])
	}
	if _, ok := lastTrade["tokenBMeta"]; ok {
		t.Error("tokenBMeta present for unknown mint, want omitted")
	}
}

func TestGetUserUnknownWalletReturns404(t *testing.T) {
	server, _ := newTestServer(&fakeStore{}, nil)

	w := doRequest(t, server, "/api/users/"+testWallet)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	var response map[string]interface{}
	decodeBody(t, w, &response)
	if response["error"] != true {
		t.Errorf("error flag = %v, want true", response["error"])
	}
	if response["message"] != "user not found" {
		t.Errorf("message = %v", response["message"])
	}
}

func TestGetTradesClampsLimit(t *testing.T) {
	trades := make([]*database.Trade, 0, 5)
	for i := 0; i < 5; i++ {
		trades = append(trades, &database.Trade{
			ID:            int64(i + 1),
			Signature:     "sig-" + string(rune('a'+i)),
			WalletAddress: testWallet,
			TokenA:        testMintA,
			TokenB:        "So11111111111111111111111111111111111111112",
			Type:          database.TradeTypeBuy,
			Timestamp:     fixedNow.Add(-time.Duration(i) * time.Minute),
		})
	}
	store := &fakeStore{trades: map[string][]*database.Trade{testWallet: trades}}
	tokens := &fakeTokens{tokens: map[string]*database.Token{
		testMintA: {Address: testMintA, Symbol: "USDC"},
	}}
	server, _ := newTestServer(store, tokens)

	w := doRequest(t, server, "/api/users/"+testWallet+"/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if store.tradeLimit != defaultTradeLimit {
		t.Errorf("default limit = %d, want %d", store.tradeLimit, defaultTradeLimit)
	}

	var views []map[string]interface{}
	decodeBody(t, w, &views)
	if len(views) != 5 {
		t.Fatalf("trade count = %d, want 5", len(views))
	}
	meta, ok := views[0]["tokenAMeta"].(map[string]interface{})
	if !ok {
		t.Fatalf("trade view has no tokenAMeta: %v", views[0])
	}
	if meta["symbol"] != "USDC" {
		t.Errorf("tokenAMeta symbol = %v, want USDC", meta["symbol"])
	}

	doRequest(t, server, "/api/users/"+testWallet+"/trades?limit=99999")
	if store.tradeLimit != maxTradeLimit {
		t.Errorf("clamped limit = %d, want %d", store.tradeLimit, maxTradeLimit)
	}

	doRequest(t, server, "/api/users/"+testWallet+"/trades?limit=3")
	if store.tradeLimit != 3 {
		t.Errorf("explicit limit = %d, want 3", store.tradeLimit)
	}
}

func TestGetTradesStoreFailure(t *testing.T) {
	store := &fakeStore{tradesErr: errors.New("connection refused")}
	server, _ := newTestServer(store, nil)

	w := doRequest(t, server, "/api/users/"+testWallet+"/trades")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	var response map[string]interface{}
	decodeBody(t, w, &response)
	if response["error"] != true {
		t.Errorf("error flag = %v, want true", response["error"])
	}
}

func TestGetPnlHistoryDefaultsAndEmpty(t *testing.T) {
	server, _ := newTestServer(&fakeStore{}, nil)

	w := doRequest(t, server, "/api/users/"+testWallet+"/pnl")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "[]" {
		t.Errorf("empty history body = %q, want []", w.Body.String())
	}
}

func TestGetPnlHistoryPassesDays(t *testing.T) {
	store := &fakeStore{
		history: map[string][]*database.PnlRecord{
			testWallet: {
				{ID: 1, WalletAddress: testWallet, RealizedPnl: 0.4, TotalTrades: 2},
				{ID: 2, WalletAddress: testWallet, RealizedPnl: -0.2, TotalTrades: 1},
			},
		},
	}
	server, _ := newTestServer(store, nil)

	w := doRequest(t, server, "/api/users/"+testWallet+"/pnl?days=7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if store.pnlLimit != 7 {
		t.Errorf("days = %d, want 7", store.pnlLimit)
	}

	var records []map[string]interface{}
	decodeBody(t, w, &records)
	if len(records) != 2 {
		t.Fatalf("record count = %d, want 2", len(records))
	}
	if records[0]["realized_pnl"] != "0.4" {
		t.Errorf("realized_pnl = %v, want \"0.4\"", records[0]["realized_pnl"])
	}

	doRequest(t, server, "/api/users/"+testWallet+"/pnl")
	if store.pnlLimit != defaultPnlDays {
		t.Errorf("default days = %d, want %d", store.pnlLimit, defaultPnlDays)
	}
}
