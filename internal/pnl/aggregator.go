// Package pnl maintains per-wallet realized PnL, one row per wallet per
// reference-timezone day. Realized PnL only: a buy books -|spent SOL|, a
// sell books +|received SOL|, transfers book nothing.
package pnl

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"solana-wallet-tracker/internal/clock"
	"solana-wallet-tracker/internal/database"
	"solana-wallet-tracker/internal/events"
)

// Store is the subset of repository methods the aggregator needs.
type Store interface {
	GetDailyPnl(ctx context.Context, walletAddress, date string) (*database.PnlRecord, error)
	InsertDailyPnl(ctx context.Context, record *database.PnlRecord) error
	UpdateDailyPnl(ctx context.Context, id int64, fields database.PnlFields) error
	LastDailyPnl(ctx context.Context, walletAddress, before string) (*database.PnlRecord, error)
}

// Aggregator applies trades to daily PnL rows. All per-wallet state changes
// happen inside that wallet's critical section; wallets never block each
// other.
type Aggregator struct {
	store  Store
	bus    *events.EventBus
	clock  *clock.Clock
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	rows  map[string]*database.PnlRecord
}

// NewAggregator creates a PnL aggregator.
func NewAggregator(store Store, bus *events.EventBus, clk *clock.Clock, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		bus:    bus,
		clock:  clk,
		logger: logger.With().Str("component", "pnl").Logger(),
		locks:  make(map[string]*sync.Mutex),
		rows:   make(map[string]*database.PnlRecord),
	}
}

func (a *Aggregator) walletLock(wallet string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[wallet]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[wallet] = lock
	}
	return lock
}

// rowDate returns the day key a PnL row is filed under. Row dates already
// carry the day in their own location (reference-zone midnight when built
// here, UTC midnight when scanned from a DATE column), so they must not be
// shifted through the reference zone again.
func rowDate(record *database.PnlRecord) string {
	return record.Date.Format("2006-01-02")
}

// EnsureRow returns today's PnL row for the wallet, creating it if needed.
// A new row seeds startBalance from the previous row's endBalance, falling
// back to currentBalance when the wallet has no history.
func (a *Aggregator) EnsureRow(ctx context.Context, wallet string, userID *int64, currentBalance database.Amount) (*database.PnlRecord, error) {
	lock := a.walletLock(wallet)
	lock.Lock()
	defer lock.Unlock()

	return a.ensureRowLocked(ctx, wallet, userID, currentBalance)
}

func (a *Aggregator) ensureRowLocked(ctx context.Context, wallet string, userID *int64, currentBalance database.Amount) (*database.PnlRecord, error) {
	today := a.clock.DateString(a.clock.Now())

	if cached, ok := a.rows[wallet]; ok && rowDate(cached) == today {
		return cached, nil
	}

	record, err := a.store.GetDailyPnl(ctx, wallet, today)
	if err != nil {
		return nil, err
	}
	if record != nil {
		a.rows[wallet] = record
		return record, nil
	}

	previous, err := a.store.LastDailyPnl(ctx, wallet, today)
	if err != nil {
		return nil, err
	}

	startBalance := currentBalance
	if previous != nil && previous.EndBalance != nil {
		startBalance = *previous.EndBalance
	}

	endBalance := startBalance
	record = &database.PnlRecord{
		UserID:        userID,
		WalletAddress: wallet,
		Date:          a.clock.DayStart(a.clock.Now()),
		StartBalance:  startBalance,
		EndBalance:    &endBalance,
		RealizedPnl:   0,
		TotalTrades:   0,
	}
	if err := a.store.InsertDailyPnl(ctx, record); err != nil {
		return nil, err
	}

	a.logger.Info().Str("wallet", wallet).Str("date", today).
		Float64("start_balance", float64(startBalance)).Msg("opened daily pnl row")
	a.rows[wallet] = record
	return record, nil
}

// ApplyTrade folds one classified trade into today's row: totalTrades
// counts only trades with non-zero PnL, endBalance tracks the wallet's
// current SOL balance, realizedPnl accumulates algebraically. The updated
// snapshot is persisted first, then published as a Pnl event.
func (a *Aggregator) ApplyTrade(ctx context.Context, wallet string, userID *int64, currentBalance, tradePnl database.Amount, lastTradeID *int64) (*database.PnlRecord, error) {
	lock := a.walletLock(wallet)
	lock.Lock()
	defer lock.Unlock()

	record, err := a.ensureRowLocked(ctx, wallet, userID, currentBalance)
	if err != nil {
		return nil, fmt.Errorf("ensure pnl row: %w", err)
	}

	totalTrades := record.TotalTrades
	if tradePnl != 0 {
		totalTrades++
	}
	realizedPnl := record.RealizedPnl + tradePnl
	endBalance := currentBalance
	tradeID := record.LastTradeID
	if lastTradeID != nil {
		tradeID = lastTradeID
	}

	fields := database.PnlFields{
		EndBalance:  endBalance,
		RealizedPnl: realizedPnl,
		TotalTrades: totalTrades,
		LastTradeID: tradeID,
	}
	if err := a.store.UpdateDailyPnl(ctx, record.ID, fields); err != nil {
		return nil, fmt.Errorf("update pnl row: %w", err)
	}

	record.TotalTrades = totalTrades
	record.RealizedPnl = realizedPnl
	record.EndBalance = &endBalance
	record.LastTradeID = tradeID

	snapshot := *record
	a.bus.PublishPnl(wallet, &snapshot)
	return record, nil
}
