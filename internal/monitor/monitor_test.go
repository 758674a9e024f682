package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"solana-wallet-tracker/internal/clock"
	"solana-wallet-tracker/internal/database"
	"solana-wallet-tracker/internal/events"
	"solana-wallet-tracker/internal/solana"
)

// Noon in the reference timezone on 2024-07-15.
var fixedNow = time.Date(2024, 7, 15, 20, 0, 0, 0, time.UTC)

const testWalletB = "Stake11111111111111111111111111111111111111"

// ----- fakes -----

type fakeStore struct {
	mu          sync.Mutex
	users       []*database.User
	usersErr    error
	stamps      map[string][]database.SignatureStamp
	stampsCalls int
	trades      map[string]*database.Trade
	upserts     int
	upsertErr   error
	lookupErr   error
	nextID      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stamps: make(map[string][]database.SignatureStamp),
		trades: make(map[string]*database.Trade),
	}
}

func (s *fakeStore) ListLiveUsers(ctx context.Context) ([]*database.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usersErr != nil {
		return nil, s.usersErr
	}
	out := make([]*database.User, len(s.users))
	copy(out, s.users)
	return out, nil
}

func (s *fakeStore) UpsertTrade(ctx context.Context, trade *database.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if existing, ok := s.trades[trade.Signature]; ok {
		trade.ID = existing.ID
	} else {
		s.nextID++
		trade.ID = s.nextID
	}
	stored := *trade
	s.trades[trade.Signature] = &stored
	s.upserts++
	return nil
}

func (s *fakeStore) TradeBySignature(ctx context.Context, signature string) (*database.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	if trade, ok := s.trades[signature]; ok {
		found := *trade
		return &found, nil
	}
	return nil, nil
}

func (s *fakeStore) LatestSignaturesForWallet(ctx context.Context, walletAddress string, limit int) ([]database.SignatureStamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stampsCalls++
	stamps := s.stamps[walletAddress]
	if len(stamps) > limit {
		stamps = stamps[:limit]
	}
	out := make([]database.SignatureStamp, len(stamps))
	copy(out, stamps)
	return out, nil
}

func (s *fakeStore) trade(signature string) *database.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trade, ok := s.trades[signature]; ok {
		found := *trade
		return &found
	}
	return nil
}

func (s *fakeStore) tradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

type fakeChain struct {
	mu         sync.Mutex
	balances   map[string]uint64
	sigs       map[string][]solana.SignatureInfo
	sigsErr    error
	txs        map[string]*solana.ParsedTransaction
	txErrs     map[string]error
	accounts   map[string][]solana.TokenAccount
	txCalls    map[string]int
	sigCalls   map[string]int
	balanceErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances: make(map[string]uint64),
		sigs:     make(map[string][]solana.SignatureInfo),
		txs:      make(map[string]*solana.ParsedTransaction),
		txErrs:   make(map[string]error),
		accounts: make(map[string][]solana.TokenAccount),
		txCalls:  make(map[string]int),
		sigCalls: make(map[string]int),
	}
}

func (c *fakeChain) GetBalance(ctx context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balanceErr != nil {
		return 0, c.balanceErr
	}
	return c.balances[address], nil
}

func (c *fakeChain) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]solana.SignatureInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigCalls[address]++
	if c.sigsErr != nil {
		return nil, c.sigsErr
	}
	sigs := c.sigs[address]
	if len(sigs) > limit {
		sigs = sigs[:limit]
	}
	out := make([]solana.SignatureInfo, len(sigs))
	copy(out, sigs)
	return out, nil
}

func (c *fakeChain) GetParsedTransaction(ctx context.Context, signature string) (*solana.ParsedTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txCalls[signature]++
	if err, ok := c.txErrs[signature]; ok {
		return nil, err
	}
	return c.txs[signature], nil
}

func (c *fakeChain) GetParsedTokenAccounts(ctx context.Context, owner string) ([]solana.TokenAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accounts[owner], nil
}

func (c *fakeChain) txCallCount(signature string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txCalls[signature]
}

func (c *fakeChain) sigCallCount(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sigCalls[address]
}

type pnlApplication struct {
	wallet  string
	balance float64
	pnl     float64
	tradeID *int64
}

type fakePnl struct {
	mu      sync.Mutex
	applied []pnlApplication
	err     error
}

func (p *fakePnl) ApplyTrade(ctx context.Context, wallet string, userID *int64, currentBalance, tradePnl database.Amount, lastTradeID *int64) (*database.PnlRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.applied = append(p.applied, pnlApplication{
		wallet:  wallet,
		balance: float64(currentBalance),
		pnl:     float64(tradePnl),
		tradeID: lastTradeID,
	})
	return &database.PnlRecord{WalletAddress: wallet}, nil
}

func (p *fakePnl) applications() []pnlApplication {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pnlApplication, len(p.applied))
	copy(out, p.applied)
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) byType(eventType events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// ----- fixtures -----

func newTestMonitor(store Store, chain ChainRPC, pnlApplier PnlApplier) (*Monitor, *eventRecorder) {
	bus := events.NewEventBus()
	recorder := &eventRecorder{}
	bus.SubscribeAll(recorder.record)
	clk := clock.NewFixed(fixedNow)
	monitor := NewMonitor(store, chain, pnlApplier, bus, clk, 2, zerolog.Nop())
	return monitor, recorder
}

func liveUser(id int64, wallet string) *database.User {
	return &database.User{
		ID:            id,
		Username:      fmt.Sprintf("trader%d", id),
		WalletAddress: wallet,
		IsLive:        true,
	}
}

func sigInfo(signature string, blockTime int64) solana.SignatureInfo {
	bt := blockTime
	return solana.SignatureInfo{Signature: signature, BlockTime: &bt}
}

// swapTx builds a parsed transaction with the wallet at account index 0.
func swapTx(wallet string, preLamports, postLamports uint64, pre, post []solana.TokenBalance) *solana.ParsedTransaction {
	bt := fixedNow.Unix()
	return &solana.ParsedTransaction{
		Slot:      100,
		BlockTime: &bt,
		Meta: &solana.Meta{
			Fee:               5000,
			PreBalances:       []uint64{preLamports},
			PostBalances:      []uint64{postLamports},
			PreTokenBalances:  pre,
			PostTokenBalances: post,
		},
		Transaction: &solana.TransactionDetail{
			Message: solana.Message{
				AccountKeys: []solana.AccountKey{{Pubkey: wallet, Signer: true, Writable: true}},
			},
		},
	}
}

// ----- tests -----

func TestBuySignatureProducesTradeAndPnl(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, recorder := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-buy", fixedNow.Unix())}
	chain.txs["sig-buy"] = swapTx(testWallet, 1_000_000_000, 900_000_000, nil,
		[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(500))})
	chain.balances[testWallet] = 900_000_000

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	trade := store.trade("sig-buy")
	if trade == nil {
		t.Fatal("expected a persisted trade")
	}
	if trade.Type != database.TradeTypeBuy {
		t.Errorf("type = %q, want buy", trade.Type)
	}
	if trade.TokenA != testMintA || trade.TokenB != solana.NativeMint {
		t.Errorf("token legs = %q/%q", trade.TokenA, trade.TokenB)
	}
	if !floatNear(float64(trade.AmountA), 500) || !floatNear(float64(trade.AmountB), 0.1) {
		t.Errorf("amounts = %v/%v", trade.AmountA, trade.AmountB)
	}
	if !floatNear(float64(trade.TradePnl), -0.1) {
		t.Errorf("tradePnl = %v, want -0.1", trade.TradePnl)
	}
	if trade.UserID == nil || *trade.UserID != 1 {
		t.Errorf("userID = %v, want 1", trade.UserID)
	}

	applied := pnlApplier.applications()
	if len(applied) != 1 {
		t.Fatalf("expected 1 pnl application, got %d", len(applied))
	}
	if !floatNear(applied[0].balance, 0.9) || !floatNear(applied[0].pnl, -0.1) {
		t.Errorf("pnl application = %+v", applied[0])
	}
	if applied[0].tradeID == nil || *applied[0].tradeID != trade.ID {
		t.Errorf("tradeID = %v, want %d", applied[0].tradeID, trade.ID)
	}

	tradeEvents := recorder.byType(events.EventTradeUpdate)
	if len(tradeEvents) != 1 {
		t.Fatalf("expected 1 trade event, got %d", len(tradeEvents))
	}
	if tradeEvents[0].Wallet != testWallet {
		t.Errorf("event wallet = %q", tradeEvents[0].Wallet)
	}
	balanceEvents := recorder.byType(events.EventBalanceUpdate)
	if len(balanceEvents) != 1 {
		t.Fatalf("expected 1 balance event, got %d", len(balanceEvents))
	}
	update, ok := balanceEvents[0].Data.(*BalanceUpdate)
	if !ok {
		t.Fatalf("balance payload type %T", balanceEvents[0].Data)
	}
	if !floatNear(update.SolBalance, 0.9) {
		t.Errorf("solBalance = %v, want 0.9", update.SolBalance)
	}
}

func TestSellAfterBuyOrdersByBlockTime(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	// Newest first, as the RPC returns them.
	chain.sigs[testWallet] = []solana.SignatureInfo{
		sigInfo("sig-sell", fixedNow.Unix()),
		sigInfo("sig-buy", fixedNow.Add(-time.Minute).Unix()),
	}
	chain.txs["sig-buy"] = swapTx(testWallet, 1_000_000_000, 900_000_000, nil,
		[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(500))})
	chain.txs["sig-sell"] = swapTx(testWallet, 900_000_000, 1_100_000_000,
		[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(500))},
		[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(0))})
	chain.balances[testWallet] = 1_100_000_000

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	applied := pnlApplier.applications()
	if len(applied) != 2 {
		t.Fatalf("expected 2 pnl applications, got %d", len(applied))
	}
	// Buy replays before sell even though the listing is newest first.
	if !floatNear(applied[0].pnl, -0.1) || !floatNear(applied[1].pnl, 0.2) {
		t.Errorf("pnl order = %v then %v, want -0.1 then 0.2", applied[0].pnl, applied[1].pnl)
	}
	if !floatNear(applied[1].balance, 1.1) {
		t.Errorf("sell balance = %v, want 1.1", applied[1].balance)
	}

	sell := store.trade("sig-sell")
	if sell == nil || sell.Type != database.TradeTypeSell {
		t.Fatalf("expected a sell trade, got %+v", sell)
	}
	if !floatNear(float64(sell.AmountA), 500) || !floatNear(float64(sell.AmountB), 0.2) {
		t.Errorf("sell amounts = %v/%v", sell.AmountA, sell.AmountB)
	}
	if !floatNear(float64(sell.TradePnl), 0.2) {
		t.Errorf("sell tradePnl = %v, want 0.2", sell.TradePnl)
	}
}

func TestSameSignatureProcessedOnce(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, recorder := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-buy", fixedNow.Unix())}
	chain.txs["sig-buy"] = swapTx(testWallet, 1_000_000_000, 900_000_000, nil,
		[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(500))})

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)
	// Unchanged newest signature short-circuits the second scan.
	monitor.runCycle(ctx)

	// A new fee-only signature forces a rescan; the buy must hit the seen set.
	feeOnly := sigInfo("sig-fee", fixedNow.Unix())
	chain.mu.Lock()
	chain.sigs[testWallet] = []solana.SignatureInfo{feeOnly, sigInfo("sig-buy", fixedNow.Unix())}
	chain.txs["sig-fee"] = swapTx(testWallet, 900_000_000, 899_999_500, nil, nil)
	chain.mu.Unlock()
	monitor.runCycle(ctx)

	if store.upserts != 1 {
		t.Errorf("upserts = %d, want 1", store.upserts)
	}
	if got := len(recorder.byType(events.EventTradeUpdate)); got != 1 {
		t.Errorf("trade events = %d, want 1", got)
	}
	if got := len(pnlApplier.applications()); got != 1 {
		t.Errorf("pnl applications = %d, want 1", got)
	}
	if store.trade("sig-fee") != nil {
		t.Error("fee-only transaction must not persist a trade")
	}
}

func TestPreloadedHistoryIsNotReplayed(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	store.stamps[testWallet] = []database.SignatureStamp{
		{Signature: "sig-old-2", Timestamp: fixedNow.Add(-2 * time.Hour)},
		{Signature: "sig-old-1", Timestamp: fixedNow.Add(-3 * time.Hour)},
	}
	chain.sigs[testWallet] = []solana.SignatureInfo{
		sigInfo("sig-new", fixedNow.Unix()),
		sigInfo("sig-old-2", fixedNow.Add(-2*time.Hour).Unix()),
		sigInfo("sig-old-1", fixedNow.Add(-3*time.Hour).Unix()),
	}
	chain.txs["sig-new"] = swapTx(testWallet, 1_000_000_000, 900_000_000, nil,
		[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(500))})

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if got := chain.txCallCount("sig-old-1") + chain.txCallCount("sig-old-2"); got != 0 {
		t.Errorf("preloaded signatures were re-fetched %d times", got)
	}
	if store.trade("sig-new") == nil {
		t.Error("expected the new signature to persist a trade")
	}
	if store.upserts != 1 {
		t.Errorf("upserts = %d, want 1", store.upserts)
	}
}

func TestPersistedSignatureFoundInStoreIsSkipped(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, recorder := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	store.trades["sig-known"] = &database.Trade{ID: 9, Signature: "sig-known", WalletAddress: testWallet}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-known", fixedNow.Unix())}

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)
	monitor.runCycle(ctx)

	if chain.txCallCount("sig-known") != 0 {
		t.Error("store-known signature must not be fetched")
	}
	if store.upserts != 0 {
		t.Errorf("upserts = %d, want 0", store.upserts)
	}
	if got := len(recorder.byType(events.EventTradeUpdate)); got != 0 {
		t.Errorf("trade events = %d, want 0", got)
	}
}

func TestFailedTransactionIsCachedWithoutFetch(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	failed := sigInfo("sig-failed", fixedNow.Unix())
	failed.Err = map[string]interface{}{"InstructionError": []interface{}{}}
	chain.sigs[testWallet] = []solana.SignatureInfo{failed}

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)
	monitor.runCycle(ctx)

	if chain.txCallCount("sig-failed") != 0 {
		t.Error("failed transaction must not be fetched")
	}
	if store.tradeCount() != 0 {
		t.Error("failed transaction must not persist a trade")
	}
	if !monitor.seen.Has("sig-failed") {
		t.Error("failed transaction must enter the seen set")
	}
}

func TestDayBoundary(t *testing.T) {
	clk := clock.NewFixed(fixedNow)
	dayStart := clk.DayStart(fixedNow)

	tests := []struct {
		name      string
		blockTime int64
		processed bool
	}{
		{"before day start", dayStart.Add(-time.Second).Unix(), false},
		{"at day start", dayStart.Unix(), true},
		{"end of day", dayStart.Add(24*time.Hour - time.Second).Unix(), true},
		{"next day", dayStart.Add(24 * time.Hour).Unix(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			chain := newFakeChain()
			pnlApplier := &fakePnl{}
			monitor, _ := newTestMonitor(store, chain, pnlApplier)

			store.users = []*database.User{liveUser(1, testWallet)}
			chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-x", tt.blockTime)}
			tx := swapTx(testWallet, 1_000_000_000, 900_000_000, nil,
				[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(500))})
			bt := tt.blockTime
			tx.BlockTime = &bt
			chain.txs["sig-x"] = tx

			ctx := context.Background()
			if err := monitor.Initialize(ctx); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			monitor.runCycle(ctx)

			persisted := store.trade("sig-x") != nil
			if persisted != tt.processed {
				t.Errorf("persisted = %v, want %v", persisted, tt.processed)
			}
			if !monitor.seen.Has("sig-x") {
				t.Error("signature must be cached either way")
			}
		})
	}
}

func TestTransferInDoesNotTouchPnl(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-dep", fixedNow.Unix())}
	chain.txs["sig-dep"] = swapTx(testWallet, 1_000_000_000, 1_000_000_000,
		nil, []solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(100))})

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	trade := store.trade("sig-dep")
	if trade == nil {
		t.Fatal("expected a persisted deposit")
	}
	if trade.Type != database.TradeTypeDeposit || trade.Platform != database.PlatformTransfer {
		t.Errorf("trade = %q/%q, want deposit/transfer", trade.Type, trade.Platform)
	}
	if trade.TokenB != testMintA {
		t.Errorf("tokenB = %q, want the transferred mint", trade.TokenB)
	}
	if got := len(pnlApplier.applications()); got != 0 {
		t.Errorf("pnl applications = %d, want 0 for transfers", got)
	}
}

func TestFeeOnlyTransactionIsCached(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-fee", fixedNow.Unix())}
	chain.txs["sig-fee"] = swapTx(testWallet, 1_000_000_000, 999_999_500, nil, nil)

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if store.tradeCount() != 0 {
		t.Error("fee-only transaction must not persist a trade")
	}
	if !monitor.seen.Has("sig-fee") {
		t.Error("fee-only signature must be cached")
	}
	if got := len(pnlApplier.applications()); got != 0 {
		t.Errorf("pnl applications = %d, want 0", got)
	}
}

func TestWalletAbsentFromAccountKeysIsCached(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-other", fixedNow.Unix())}
	// Transaction whose account keys do not include the tracked wallet.
	chain.txs["sig-other"] = swapTx(testWalletB, 1_000_000_000, 900_000_000, nil,
		[]solana.TokenBalance{tokenBalance(3, testWalletB, testMintA, uiPtr(500))})

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if store.tradeCount() != 0 {
		t.Error("expected no trade for an unrelated transaction")
	}
	if !monitor.seen.Has("sig-other") {
		t.Error("unrelated signature must be cached")
	}
}

func TestRPCFailureRetriedNextCycle(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-buy", fixedNow.Unix())}
	chain.txErrs["sig-buy"] = fmt.Errorf("%w: status 429", solana.ErrRPC)

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if monitor.seen.Has("sig-buy") {
		t.Fatal("RPC failure must keep the signature out of the seen set")
	}
	if store.tradeCount() != 0 {
		t.Fatal("no trade should persist on RPC failure")
	}

	// Recovery: same newest signature, retry flag forces the rescan.
	chain.mu.Lock()
	delete(chain.txErrs, "sig-buy")
	chain.txs["sig-buy"] = swapTx(testWallet, 1_000_000_000, 900_000_000, nil,
		[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(500))})
	chain.mu.Unlock()
	monitor.runCycle(ctx)

	if store.trade("sig-buy") == nil {
		t.Error("expected the trade to persist after RPC recovery")
	}
	if chain.txCallCount("sig-buy") != 2 {
		t.Errorf("tx fetches = %d, want 2", chain.txCallCount("sig-buy"))
	}
}

func TestParseFailureIsCachedNotRetried(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-bad", fixedNow.Unix())}
	chain.txErrs["sig-bad"] = fmt.Errorf("%w: unexpected payload", solana.ErrParse)

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if !monitor.seen.Has("sig-bad") {
		t.Error("parse failure must cache the signature")
	}

	monitor.runCycle(ctx)
	if chain.txCallCount("sig-bad") != 1 {
		t.Errorf("tx fetches = %d, want 1", chain.txCallCount("sig-bad"))
	}
}

func TestPersistenceFailureRetriedNextCycle(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-buy", fixedNow.Unix())}
	chain.txs["sig-buy"] = swapTx(testWallet, 1_000_000_000, 900_000_000, nil,
		[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(500))})
	store.upsertErr = errors.New("connection reset")

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if monitor.seen.Has("sig-buy") {
		t.Fatal("persistence failure must keep the signature out of the seen set")
	}
	if got := len(pnlApplier.applications()); got != 0 {
		t.Fatalf("pnl applications = %d, want 0 before persistence succeeds", got)
	}

	store.mu.Lock()
	store.upsertErr = nil
	store.mu.Unlock()
	monitor.runCycle(ctx)

	if store.trade("sig-buy") == nil {
		t.Error("expected the trade to persist after store recovery")
	}
	if got := len(pnlApplier.applications()); got != 1 {
		t.Errorf("pnl applications = %d, want 1", got)
	}
}

func TestPnlFailureReplaysWholeSignature(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{err: errors.New("pnl row locked")}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-buy", fixedNow.Unix())}
	chain.txs["sig-buy"] = swapTx(testWallet, 1_000_000_000, 900_000_000, nil,
		[]solana.TokenBalance{tokenBalance(3, testWallet, testMintA, uiPtr(500))})

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if monitor.seen.Has("sig-buy") {
		t.Fatal("pnl failure must keep the signature out of the seen set")
	}

	pnlApplier.mu.Lock()
	pnlApplier.err = nil
	pnlApplier.mu.Unlock()
	monitor.runCycle(ctx)

	// The trade upserts twice under the same signature: one row, stable id.
	if store.upserts != 2 {
		t.Errorf("upserts = %d, want 2", store.upserts)
	}
	if store.tradeCount() != 1 {
		t.Errorf("trade rows = %d, want 1", store.tradeCount())
	}
	if got := len(pnlApplier.applications()); got != 1 {
		t.Errorf("pnl applications = %d, want 1", got)
	}
}

func TestMultipleDeltasShareSignature(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, recorder := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-multi", fixedNow.Unix())}
	// One transaction: buys mint A for SOL and sends mint B away.
	chain.txs["sig-multi"] = swapTx(testWallet, 1_000_000_000, 700_000_000,
		[]solana.TokenBalance{tokenBalance(4, testWallet, testMintB, uiPtr(50))},
		[]solana.TokenBalance{
			tokenBalance(3, testWallet, testMintA, uiPtr(10)),
			tokenBalance(4, testWallet, testMintB, uiPtr(0)),
		})

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if store.upserts != 2 {
		t.Errorf("upserts = %d, want 2", store.upserts)
	}
	if got := len(recorder.byType(events.EventTradeUpdate)); got != 2 {
		t.Errorf("trade events = %d, want 2", got)
	}
	// Only the buy leg reaches the aggregator; the mint B leg has no
	// matching SOL direction and classifies as a withdrawal.
	applied := pnlApplier.applications()
	if len(applied) != 1 {
		t.Fatalf("pnl applications = %d, want 1", len(applied))
	}
	if !floatNear(applied[0].pnl, -0.3) {
		t.Errorf("pnl = %v, want -0.3", applied[0].pnl)
	}
}

func TestNativeMintDeltaIsSkipped(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet)}
	chain.sigs[testWallet] = []solana.SignatureInfo{sigInfo("sig-wrap", fixedNow.Unix())}
	chain.txs["sig-wrap"] = swapTx(testWallet, 1_000_000_000, 900_000_000, nil,
		[]solana.TokenBalance{tokenBalance(2, testWallet, solana.NativeMint, uiPtr(0.1))})

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if store.tradeCount() != 0 {
		t.Error("wrapped-SOL delta must not produce a trade")
	}
	if !monitor.seen.Has("sig-wrap") {
		t.Error("signature must still be cached")
	}
}

func TestReconcileDropsOfflineWallet(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{liveUser(1, testWallet), liveUser(2, testWalletB)}

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if got := chain.sigCallCount(testWalletB); got != 1 {
		t.Fatalf("walletB scans = %d, want 1", got)
	}

	store.mu.Lock()
	store.users = []*database.User{liveUser(1, testWallet)}
	store.mu.Unlock()
	monitor.runCycle(ctx)

	if got := chain.sigCallCount(testWalletB); got != 1 {
		t.Errorf("walletB scans after going offline = %d, want 1", got)
	}
	if got := chain.sigCallCount(testWallet); got != 2 {
		t.Errorf("walletA scans = %d, want 2", got)
	}
}

func TestInvalidWalletAddressIsNeverScanned(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	pnlApplier := &fakePnl{}
	monitor, _ := newTestMonitor(store, chain, pnlApplier)

	store.users = []*database.User{
		liveUser(1, "not-a-wallet"),
		liveUser(2, testWallet),
	}

	ctx := context.Background()
	if err := monitor.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	monitor.runCycle(ctx)

	if got := chain.sigCallCount("not-a-wallet"); got != 0 {
		t.Errorf("invalid wallet scans = %d, want 0", got)
	}
	if got := chain.sigCallCount(testWallet); got != 1 {
		t.Errorf("valid wallet scans = %d, want 1", got)
	}
}

func TestInitializeFailsWhenStoreDown(t *testing.T) {
	store := newFakeStore()
	store.usersErr = errors.New("dial tcp: connection refused")
	monitor, _ := newTestMonitor(store, newFakeChain(), &fakePnl{})

	if err := monitor.Initialize(context.Background()); err == nil {
		t.Fatal("expected Initialize to fail when the store is down")
	}
}

func TestStatsReportsGauges(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	monitor, _ := newTestMonitor(store, chain, &fakePnl{})

	store.users = []*database.User{liveUser(1, testWallet)}
	store.stamps[testWallet] = []database.SignatureStamp{
		{Signature: "sig-old", Timestamp: fixedNow.Add(-time.Hour)},
	}

	if err := monitor.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	stats := monitor.Stats()
	if stats["active_wallets"] != 1 {
		t.Errorf("active_wallets = %v, want 1", stats["active_wallets"])
	}
	if stats["seen_signatures"] != 1 {
		t.Errorf("seen_signatures = %v, want 1", stats["seen_signatures"])
	}
}
