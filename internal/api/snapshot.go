package api

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"solana-wallet-tracker/internal/clock"
	"solana-wallet-tracker/internal/database"
)

// Store is the read surface the API layer needs.
type Store interface {
	ListUsers(ctx context.Context) ([]*database.User, error)
	GetUserByWallet(ctx context.Context, walletAddress string) (*database.User, error)
	LatestTrade(ctx context.Context, walletAddress string) (*database.Trade, error)
	GetDailyPnl(ctx context.Context, walletAddress, date string) (*database.PnlRecord, error)
	GetTradesByWallet(ctx context.Context, walletAddress string, limit, offset int) ([]*database.Trade, error)
	GetPnlHistory(ctx context.Context, walletAddress string, limit int) ([]*database.PnlRecord, error)
}

// TokenResolver resolves token metadata for trade legs.
type TokenResolver interface {
	Get(ctx context.Context, mint string) *database.Token
}

// TradeWithMeta is a trade row with both token legs resolved for display.
type TradeWithMeta struct {
	database.Trade
	TokenAMeta *database.Token `json:"tokenAMeta,omitempty"`
	TokenBMeta *database.Token `json:"tokenBMeta,omitempty"`
}

// UserSnapshot is the dashboard view of one tracked user: profile, latest
// trade, today's PnL row, and the current balance (today's endBalance, zero
// before the first row exists).
type UserSnapshot struct {
	User      *database.User      `json:"user"`
	LastTrade *TradeWithMeta      `json:"lastTrade,omitempty"`
	DailyPnl  *database.PnlRecord `json:"dailyPnl,omitempty"`
	Balance   database.Amount     `json:"balance"`
}

// SnapshotBuilder assembles user snapshots for USERS_LIST, USERS_UPDATE
// and the REST read surface.
type SnapshotBuilder struct {
	store  Store
	tokens TokenResolver
	clk    *clock.Clock
	logger zerolog.Logger
}

func NewSnapshotBuilder(store Store, tokens TokenResolver, clk *clock.Clock, logger zerolog.Logger) *SnapshotBuilder {
	return &SnapshotBuilder{
		store:  store,
		tokens: tokens,
		clk:    clk,
		logger: logger,
	}
}

func (b *SnapshotBuilder) withTokenMeta(ctx context.Context, trade *database.Trade) *TradeWithMeta {
	view := &TradeWithMeta{Trade: *trade}
	view.TokenAMeta = b.tokens.Get(ctx, trade.TokenA)
	if trade.TokenB == trade.TokenA {
		view.TokenBMeta = view.TokenAMeta
	} else {
		view.TokenBMeta = b.tokens.Get(ctx, trade.TokenB)
	}
	return view
}

// ForUser builds the snapshot for one known user.
func (b *SnapshotBuilder) ForUser(ctx context.Context, user *database.User) (*UserSnapshot, error) {
	snapshot := &UserSnapshot{User: user}

	trade, err := b.store.LatestTrade(ctx, user.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest trade: %w", err)
	}
	if trade != nil {
		snapshot.LastTrade = b.withTokenMeta(ctx, trade)
	}

	today := b.clk.DateString(b.clk.Now())
	record, err := b.store.GetDailyPnl(ctx, user.WalletAddress, today)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily pnl: %w", err)
	}
	if record != nil {
		snapshot.DailyPnl = record
		if record.EndBalance != nil {
			snapshot.Balance = *record.EndBalance
		}
	}
	return snapshot, nil
}

// ForWallet builds the snapshot for a wallet address. Returns nil when no
// user owns the wallet.
func (b *SnapshotBuilder) ForWallet(ctx context.Context, walletAddress string) (*UserSnapshot, error) {
	user, err := b.store.GetUserByWallet(ctx, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, nil
	}
	return b.ForUser(ctx, user)
}

// AllUsers builds snapshots for every known user, ordered by lastActive
// descending. A user whose snapshot fails to assemble is logged and
// skipped; one broken row must not empty the whole list.
func (b *SnapshotBuilder) AllUsers(ctx context.Context) ([]*UserSnapshot, error) {
	users, err := b.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	snapshots := make([]*UserSnapshot, 0, len(users))
	for _, user := range users {
		snapshot, err := b.ForUser(ctx, user)
		if err != nil {
			b.logger.Error().Err(err).Str("wallet", user.WalletAddress).Msg("failed to assemble user snapshot")
			continue
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}
