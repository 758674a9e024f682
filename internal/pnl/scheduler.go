package pnl

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"solana-wallet-tracker/internal/clock"
	"solana-wallet-tracker/internal/database"
	"solana-wallet-tracker/internal/solana"
)

// UserSource lists the wallets that get a fresh row at rollover.
type UserSource interface {
	ListLiveUsers(ctx context.Context) ([]*database.User, error)
}

// BalanceReader reads a wallet's current SOL balance in lamports.
type BalanceReader interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// Scheduler pre-seeds daily PnL rows at midnight in the reference timezone,
// so dashboards see a fresh day immediately instead of waiting for the
// wallet's first trade. EnsureRow is idempotent, so racing the monitor on
// the same wallet is harmless.
type Scheduler struct {
	aggregator *Aggregator
	users      UserSource
	chain      BalanceReader
	cron       *cron.Cron
	logger     zerolog.Logger
}

// NewScheduler creates the rollover scheduler bound to the reference zone.
func NewScheduler(aggregator *Aggregator, users UserSource, chain BalanceReader, clk *clock.Clock, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		aggregator: aggregator,
		users:      users,
		chain:      chain,
		cron:       cron.New(cron.WithLocation(clk.Location())),
		logger:     logger.With().Str("component", "pnl_scheduler").Logger(),
	}
}

// Start registers the midnight job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("0 0 * * *", s.rollover); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Msg("daily rollover scheduler started")
	return nil
}

// Stop stops the cron loop and waits for a running rollover to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("daily rollover scheduler stopped")
}

func (s *Scheduler) rollover() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	users, err := s.users.ListLiveUsers(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("rollover aborted, cannot list live users")
		return
	}

	seeded := 0
	for _, user := range users {
		lamports, err := s.chain.GetBalance(ctx, user.WalletAddress)
		if err != nil {
			s.logger.Warn().Err(err).Str("wallet", user.WalletAddress).
				Msg("rollover balance fetch failed, row deferred to first trade")
			continue
		}
		balance := database.Amount(float64(lamports) / solana.LamportsPerSol)

		userID := user.ID
		if _, err := s.aggregator.EnsureRow(ctx, user.WalletAddress, &userID, balance); err != nil {
			s.logger.Warn().Err(err).Str("wallet", user.WalletAddress).Msg("rollover row creation failed")
			continue
		}
		seeded++
	}

	s.logger.Info().Int("wallets", seeded).Int("live", len(users)).Msg("daily pnl rollover complete")
}
