// Package tokens resolves token metadata for mint addresses through a
// tiered lookup: process memory, Redis, database, then chain. Unknown mints
// get a synthesized placeholder row so display never blocks on metadata.
package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"solana-wallet-tracker/internal/cache"
	"solana-wallet-tracker/internal/database"
	"solana-wallet-tracker/internal/solana"
)

// Store is the subset of repository methods the service needs.
type Store interface {
	GetToken(ctx context.Context, address string) (*database.Token, error)
	ListTokens(ctx context.Context) ([]*database.Token, error)
	UpsertToken(ctx context.Context, token *database.Token) error
	UpdateTokenPrice(ctx context.Context, address string, price database.Amount) error
}

// ChainReader reads mint account data from the chain.
type ChainReader interface {
	GetMintDecimals(ctx context.Context, mint string) (*int, error)
}

// Service caches token metadata. The Redis tier is optional; when absent or
// unhealthy every lookup falls through to the database and chain.
type Service struct {
	store  Store
	chain  ChainReader
	redis  *cache.CacheService
	logger zerolog.Logger

	mu     sync.RWMutex
	tokens map[string]*database.Token
}

// NewService creates a token metadata service. redis may be nil.
func NewService(store Store, chain ChainReader, redis *cache.CacheService, logger zerolog.Logger) *Service {
	s := &Service{
		store:  store,
		chain:  chain,
		redis:  redis,
		logger: logger.With().Str("component", "tokens").Logger(),
		tokens: make(map[string]*database.Token),
	}
	s.tokens[solana.NativeMint] = nativeToken()
	return s
}

func nativeToken() *database.Token {
	decimals := 9
	return &database.Token{
		Address:  solana.NativeMint,
		Symbol:   "SOL",
		Name:     "Solana",
		Decimals: &decimals,
		Verified: true,
	}
}

// LoadAll warms the in-memory cache from the database.
func (s *Service) LoadAll(ctx context.Context) error {
	rows, err := s.store.ListTokens(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, token := range rows {
		s.tokens[token.Address] = token
	}
	s.mu.Unlock()

	s.logger.Info().Int("tokens", len(rows)).Msg("token metadata loaded")
	return nil
}

// Get resolves metadata for a mint. Lookups never fail outright: when every
// tier misses, a placeholder row is synthesized from the address.
func (s *Service) Get(ctx context.Context, mint string) *database.Token {
	s.mu.RLock()
	token, ok := s.tokens[mint]
	s.mu.RUnlock()
	if ok {
		return token
	}

	if token := s.fromRedis(ctx, mint); token != nil {
		s.remember(ctx, token, false)
		return token
	}

	token, err := s.store.GetToken(ctx, mint)
	if err != nil {
		s.logger.Warn().Err(err).Str("mint", mint).Msg("token lookup failed, synthesizing")
	}
	if token != nil {
		s.remember(ctx, token, true)
		return token
	}

	token = s.synthesize(ctx, mint)
	if err := s.store.UpsertToken(ctx, token); err != nil {
		s.logger.Warn().Err(err).Str("mint", mint).Msg("failed to persist synthesized token")
	}
	s.remember(ctx, token, true)
	return token
}

// SetPrice records the latest price for a mint, resolving the mint first if
// it has never been seen.
func (s *Service) SetPrice(ctx context.Context, mint string, price database.Amount) error {
	if err := s.store.UpdateTokenPrice(ctx, mint, price); err != nil {
		s.Get(ctx, mint)
		if err := s.store.UpdateTokenPrice(ctx, mint, price); err != nil {
			return err
		}
	}

	now := time.Now()
	s.mu.Lock()
	if token, ok := s.tokens[mint]; ok {
		token.LastPrice = &price
		token.LastUpdated = &now
	}
	token := s.tokens[mint]
	s.mu.Unlock()

	if token != nil {
		s.toRedis(ctx, token)
	}
	return nil
}

func (s *Service) synthesize(ctx context.Context, mint string) *database.Token {
	token := &database.Token{
		Address: mint,
		Symbol:  abbreviate(mint),
	}
	token.Name = token.Symbol

	decimals, err := s.chain.GetMintDecimals(ctx, mint)
	if err != nil {
		s.logger.Debug().Err(err).Str("mint", mint).Msg("mint decimals unavailable")
	}
	token.Decimals = decimals
	return token
}

// remember stores a resolved token in memory and, optionally, Redis.
func (s *Service) remember(ctx context.Context, token *database.Token, writeRedis bool) {
	s.mu.Lock()
	s.tokens[token.Address] = token
	s.mu.Unlock()

	if writeRedis {
		s.toRedis(ctx, token)
	}
}

func (s *Service) fromRedis(ctx context.Context, mint string) *database.Token {
	if s.redis == nil {
		return nil
	}
	var token database.Token
	if err := s.redis.GetJSON(ctx, cache.TokenMetaKey(mint), &token); err != nil {
		return nil
	}
	return &token
}

func (s *Service) toRedis(ctx context.Context, token *database.Token) {
	if s.redis == nil {
		return
	}
	if err := s.redis.SetJSON(ctx, cache.TokenMetaKey(token.Address), token, cache.DefaultTokenTTL); err != nil {
		s.logger.Debug().Err(err).Str("mint", token.Address).Msg("redis token write skipped")
	}
}

// abbreviate shortens a mint address to its first and last three characters.
func abbreviate(mint string) string {
	if len(mint) < 7 {
		return mint
	}
	return mint[:3] + "..." + mint[len(mint)-3:]
}
