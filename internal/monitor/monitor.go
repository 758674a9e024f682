// Package monitor drives the wallet tracking pipeline: discover live
// wallets, pull their recent transaction signatures, classify balance
// changes into trades, and hand realized PnL to the daily aggregator.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"solana-wallet-tracker/internal/clock"
	"solana-wallet-tracker/internal/database"
	"solana-wallet-tracker/internal/events"
	"solana-wallet-tracker/internal/solana"
)

const (
	cycleInterval = 5 * time.Second
	// fetchLimit bounds each scan; preloadLimit seeds the seen set for a
	// newly tracked wallet from its persisted history.
	fetchLimit   = 15
	preloadLimit = 20

	defaultScanConcurrency = 4
)

// Store is the persistence surface the monitor depends on.
type Store interface {
	ListLiveUsers(ctx context.Context) ([]*database.User, error)
	UpsertTrade(ctx context.Context, trade *database.Trade) error
	TradeBySignature(ctx context.Context, signature string) (*database.Trade, error)
	LatestSignaturesForWallet(ctx context.Context, walletAddress string, limit int) ([]database.SignatureStamp, error)
}

// ChainRPC is the Solana RPC surface the monitor depends on.
type ChainRPC interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]solana.SignatureInfo, error)
	GetParsedTransaction(ctx context.Context, signature string) (*solana.ParsedTransaction, error)
	GetParsedTokenAccounts(ctx context.Context, owner string) ([]solana.TokenAccount, error)
}

// PnlApplier folds classified trades into daily PnL rows.
type PnlApplier interface {
	ApplyTrade(ctx context.Context, wallet string, userID *int64, currentBalance, tradePnl database.Amount, lastTradeID *int64) (*database.PnlRecord, error)
}

// BalanceUpdate is the payload of a BALANCE_UPDATE event, emitted after a
// scan that handled at least one new signature for the wallet.
type BalanceUpdate struct {
	Wallet     string                `json:"wallet"`
	SolBalance float64               `json:"solBalance"`
	Tokens     []solana.TokenAccount `json:"tokens"`
	Timestamp  time.Time             `json:"timestamp"`
}

// walletState is the per-wallet tracking cursor. retryPending forces the
// next scan past the newest-signature short-circuit after a transient
// failure left a signature unprocessed.
type walletState struct {
	userID       *int64
	lastSeen     string
	retryPending bool
}

type signatureSet struct {
	mu   sync.Mutex
	sigs map[string]struct{}
}

func newSignatureSet() *signatureSet {
	return &signatureSet{sigs: make(map[string]struct{})}
}

func (s *signatureSet) Has(signature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sigs[signature]
	return ok
}

func (s *signatureSet) Add(signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs[signature] = struct{}{}
}

func (s *signatureSet) Remove(signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sigs, signature)
}

func (s *signatureSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sigs)
}

// Monitor polls tracked wallets on a fixed cadence and publishes Trade,
// Balance and Pnl events through the bus.
type Monitor struct {
	store  Store
	chain  ChainRPC
	pnl    PnlApplier
	bus    *events.EventBus
	clk    *clock.Clock
	logger zerolog.Logger

	scanConcurrency int

	mu      sync.Mutex
	wallets map[string]*walletState
	seen    *signatureSet
	// retries holds signatures that failed after at least one trade row
	// was written. On replay they bypass the store-duplicate check, else
	// the persisted row would mask the unfinished PnL work.
	retries *signatureSet

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates a wallet monitor. scanConcurrency caps how many
// wallets are scanned in parallel within one cycle.
func NewMonitor(store Store, chain ChainRPC, pnlApplier PnlApplier, bus *events.EventBus, clk *clock.Clock, scanConcurrency int, logger zerolog.Logger) *Monitor {
	if scanConcurrency < 1 {
		scanConcurrency = defaultScanConcurrency
	}
	return &Monitor{
		store:           store,
		chain:           chain,
		pnl:             pnlApplier,
		bus:             bus,
		clk:             clk,
		logger:          logger.With().Str("component", "monitor").Logger(),
		scanConcurrency: scanConcurrency,
		wallets:         make(map[string]*walletState),
		seen:            newSignatureSet(),
		retries:         newSignatureSet(),
	}
}

// Initialize performs the first wallet reconcile. It must succeed before
// Start; a broken store at boot is a startup failure, not a retry case.
func (m *Monitor) Initialize(ctx context.Context) error {
	if err := m.reconcile(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	count := len(m.wallets)
	m.mu.Unlock()
	m.logger.Info().Int("wallets", count).Msg("wallet monitor initialized")
	return nil
}

// Start launches the scan loop. The first cycle runs immediately.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run()
	m.logger.Info().Dur("interval", cycleInterval).Msg("wallet monitor started")
}

// Stop signals the loop and waits for the in-flight work to wind down.
// Signatures already being processed finish; no new scans are launched.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stop)
	<-m.done
	m.logger.Info().Msg("wallet monitor stopped")
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	m.runCycle(context.Background())
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			// An overrunning cycle delays the next tick; cycles never overlap.
			m.runCycle(context.Background())
		}
	}
}

func (m *Monitor) stopping() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	if err := m.reconcile(ctx); err != nil {
		// Keep scanning the wallets we already track.
		m.logger.Error().Err(err).Msg("wallet reconcile failed")
	}

	var group errgroup.Group
	group.SetLimit(m.scanConcurrency)
	for _, wallet := range m.activeWallets() {
		if m.stopping() {
			break
		}
		wallet := wallet
		group.Go(func() error {
			// Scan errors are logged in place; one wallet must not
			// cancel the others.
			m.scanWallet(ctx, wallet)
			return nil
		})
	}
	_ = group.Wait()
}

func (m *Monitor) activeWallets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallets := make([]string, 0, len(m.wallets))
	for wallet := range m.wallets {
		wallets = append(wallets, wallet)
	}
	sort.Strings(wallets)
	return wallets
}

// reconcile syncs the active wallet set against live users. Newly live
// wallets preload their persisted signature history so old trades are not
// re-emitted; wallets going dark are dropped but keep their seen entries.
func (m *Monitor) reconcile(ctx context.Context) error {
	users, err := m.store.ListLiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list live users: %w", err)
	}

	live := make(map[string]*int64, len(users))
	for _, user := range users {
		if !validWalletAddress(user.WalletAddress) {
			m.logger.Warn().Str("wallet", user.WalletAddress).Int64("user_id", user.ID).
				Msg("skipping wallet with invalid address")
			continue
		}
		userID := user.ID
		live[user.WalletAddress] = &userID
	}

	var added []string
	m.mu.Lock()
	for wallet := range m.wallets {
		if _, ok := live[wallet]; !ok {
			delete(m.wallets, wallet)
			m.logger.Info().Str("wallet", wallet).Msg("wallet no longer live, tracking stopped")
		}
	}
	for wallet, userID := range live {
		if state, ok := m.wallets[wallet]; ok {
			state.userID = userID
			continue
		}
		added = append(added, wallet)
	}
	m.mu.Unlock()
	sort.Strings(added)

	for _, wallet := range added {
		state, err := m.preloadWallet(ctx, wallet, live[wallet])
		if err != nil {
			// Retried on the next reconcile.
			m.logger.Error().Err(err).Str("wallet", wallet).Msg("failed to preload wallet history")
			continue
		}
		m.mu.Lock()
		m.wallets[wallet] = state
		m.mu.Unlock()
		m.logger.Info().Str("wallet", wallet).Msg("tracking wallet")
	}
	return nil
}

func (m *Monitor) preloadWallet(ctx context.Context, wallet string, userID *int64) (*walletState, error) {
	stamps, err := m.store.LatestSignaturesForWallet(ctx, wallet, preloadLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted signatures: %w", err)
	}
	for _, stamp := range stamps {
		m.seen.Add(stamp.Signature)
	}
	state := &walletState{userID: userID}
	if len(stamps) > 0 {
		state.lastSeen = stamps[0].Signature
	}
	return state, nil
}

func (m *Monitor) scanWallet(ctx context.Context, wallet string) {
	m.mu.Lock()
	state, ok := m.wallets[wallet]
	var userID *int64
	var lastSeen string
	var retryPending bool
	if ok {
		userID = state.userID
		lastSeen = state.lastSeen
		retryPending = state.retryPending
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sigs, err := m.chain.GetSignaturesForAddress(ctx, wallet, fetchLimit)
	if err != nil {
		m.logger.Error().Err(err).Str("wallet", wallet).Msg("failed to fetch signatures")
		return
	}
	if len(sigs) == 0 {
		return
	}
	if sigs[0].Signature == lastSeen && !retryPending {
		return
	}

	m.mu.Lock()
	state.lastSeen = sigs[0].Signature
	m.mu.Unlock()

	// The RPC returns newest first; replay oldest first so PnL folds in
	// chronological order.
	ordered := make([]solana.SignatureInfo, len(sigs))
	copy(ordered, sigs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return blockTimeOrZero(ordered[i]) < blockTimeOrZero(ordered[j])
	})

	handled := 0
	persisted := 0
	retryable := false
	for _, sig := range ordered {
		if m.stopping() {
			retryable = true
			break
		}
		outcome := m.processSignature(ctx, wallet, userID, sig)
		if outcome.handled {
			handled++
		}
		if outcome.retry {
			retryable = true
		}
		persisted += outcome.trades
	}

	m.mu.Lock()
	state.retryPending = retryable
	m.mu.Unlock()

	if handled > 0 || persisted > 0 {
		m.emitBalance(ctx, wallet)
	}
}

// signatureOutcome reports how one signature resolved. handled means the
// pipeline reached a terminal decision and the signature entered the seen
// set; retry means a transient failure left it eligible for reprocessing.
type signatureOutcome struct {
	handled bool
	retry   bool
	trades  int
}

// markSeen finalizes a signature: it will never be processed again by this
// process, and any pending replay entry is cleared.
func (m *Monitor) markSeen(signature string) {
	m.seen.Add(signature)
	m.retries.Remove(signature)
}

func (m *Monitor) processSignature(ctx context.Context, wallet string, userID *int64, sig solana.SignatureInfo) signatureOutcome {
	if m.seen.Has(sig.Signature) {
		return signatureOutcome{}
	}

	if !m.retries.Has(sig.Signature) {
		existing, err := m.store.TradeBySignature(ctx, sig.Signature)
		if err != nil {
			m.logger.Error().Err(err).Str("signature", sig.Signature).Msg("failed to check for existing trade")
			return signatureOutcome{retry: true}
		}
		if existing != nil {
			m.markSeen(sig.Signature)
			return signatureOutcome{}
		}
	}

	logger := m.logger.With().Str("wallet", wallet).Str("signature", sig.Signature).Logger()

	if sig.Err != nil {
		m.markSeen(sig.Signature)
		logger.Debug().Msg("skipping failed transaction")
		return signatureOutcome{handled: true}
	}
	if sig.BlockTime == nil {
		m.markSeen(sig.Signature)
		logger.Debug().Msg("skipping transaction without block time")
		return signatureOutcome{handled: true}
	}
	blockTime := time.Unix(*sig.BlockTime, 0)
	if !m.clk.WithinDay(blockTime, m.clk.Now()) {
		m.markSeen(sig.Signature)
		logger.Debug().Str("date", m.clk.DateString(blockTime)).Msg("skipping transaction outside current day")
		return signatureOutcome{handled: true}
	}

	tx, err := m.chain.GetParsedTransaction(ctx, sig.Signature)
	if err != nil {
		if errors.Is(err, solana.ErrParse) {
			m.markSeen(sig.Signature)
			logger.Warn().Err(err).Msg("skipping unparseable transaction")
			return signatureOutcome{handled: true}
		}
		logger.Error().Err(err).Msg("failed to fetch transaction")
		return signatureOutcome{retry: true}
	}
	if tx == nil {
		// Listed but not queryable yet on this node.
		logger.Debug().Msg("transaction not yet available")
		return signatureOutcome{retry: true}
	}
	if tx.Meta == nil || tx.Meta.Err != nil {
		m.markSeen(sig.Signature)
		return signatureOutcome{handled: true}
	}

	idx := tx.AccountIndex(wallet)
	if idx < 0 {
		m.markSeen(sig.Signature)
		logger.Debug().Msg("wallet not in transaction account keys")
		return signatureOutcome{handled: true}
	}

	solChange := tx.SolChange(wallet)
	deltas := tokenDeltas(wallet, tx.Meta)
	if len(deltas) == 0 {
		m.markSeen(sig.Signature)
		if math.Abs(solChange) < solChangeEpsilon {
			logger.Debug().Msg("fee-only transaction")
		}
		return signatureOutcome{handled: true}
	}

	postSol := 0.0
	if idx < len(tx.Meta.PostBalances) {
		postSol = float64(tx.Meta.PostBalances[idx]) / solana.LamportsPerSol
	}
	raw, _ := json.Marshal(tx)

	outcome := signatureOutcome{}
	for _, delta := range deltas {
		if delta.Mint == solana.NativeMint {
			// Wrapped SOL legs are already counted through the lamport delta.
			continue
		}
		trade := buildTrade(wallet, userID, sig.Signature, blockTime, delta, solChange, tx.Meta.Fee, raw)
		if err := m.store.UpsertTrade(ctx, trade); err != nil {
			logger.Error().Err(err).Str("mint", delta.Mint).Msg("failed to persist trade")
			return m.deferSignature(sig.Signature, outcome)
		}
		outcome.trades++
		m.bus.PublishTrade(wallet, trade)
		logger.Info().Str("type", trade.Type).Str("mint", delta.Mint).
			Float64("amount", float64(trade.AmountA)).Float64("pnl", float64(trade.TradePnl)).
			Msg("recorded trade")

		if trade.Type == database.TradeTypeBuy || trade.Type == database.TradeTypeSell {
			tradeID := trade.ID
			if _, err := m.pnl.ApplyTrade(ctx, wallet, userID, database.Amount(postSol), trade.TradePnl, &tradeID); err != nil {
				logger.Error().Err(err).Msg("failed to apply trade to daily pnl")
				return m.deferSignature(sig.Signature, outcome)
			}
		}
	}

	m.markSeen(sig.Signature)
	outcome.handled = true
	return outcome
}

// deferSignature records a mid-persist failure. The signature stays out of
// the seen set; once a trade row exists it also enters the replay set so
// the next pass does not mistake the partial write for completed work.
func (m *Monitor) deferSignature(signature string, outcome signatureOutcome) signatureOutcome {
	outcome.retry = true
	if outcome.trades > 0 {
		m.retries.Add(signature)
	}
	return outcome
}

func (m *Monitor) emitBalance(ctx context.Context, wallet string) {
	lamports, err := m.chain.GetBalance(ctx, wallet)
	if err != nil {
		m.logger.Error().Err(err).Str("wallet", wallet).Msg("failed to fetch wallet balance")
		return
	}
	tokens, err := m.chain.GetParsedTokenAccounts(ctx, wallet)
	if err != nil {
		m.logger.Error().Err(err).Str("wallet", wallet).Msg("failed to fetch token accounts")
		return
	}
	m.bus.PublishBalance(wallet, &BalanceUpdate{
		Wallet:     wallet,
		SolBalance: float64(lamports) / solana.LamportsPerSol,
		Tokens:     tokens,
		Timestamp:  m.clk.Now(),
	})
}

// Stats reports tracker gauges for the health surface.
func (m *Monitor) Stats() map[string]interface{} {
	m.mu.Lock()
	wallets := len(m.wallets)
	m.mu.Unlock()
	return map[string]interface{}{
		"active_wallets":  wallets,
		"seen_signatures": m.seen.Len(),
	}
}

func validWalletAddress(address string) bool {
	decoded, err := base58.Decode(address)
	return err == nil && len(decoded) == 32
}

func blockTimeOrZero(sig solana.SignatureInfo) int64 {
	if sig.BlockTime == nil {
		return 0
	}
	return *sig.BlockTime
}
