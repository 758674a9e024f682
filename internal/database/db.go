package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection pool from a connection URL
func NewDB(databaseURL string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", poolConfig.ConnConfig.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Tracked traders
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username VARCHAR(100) NOT NULL,
			email VARCHAR(255) UNIQUE,
			wallet_address VARCHAR(44) NOT NULL UNIQUE,
			stream_platform VARCHAR(50),
			stream_url TEXT,
			is_live BOOLEAN DEFAULT FALSE,
			last_active TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_stream_platform ON users(stream_platform)`,
		`CREATE INDEX IF NOT EXISTS idx_users_is_live ON users(is_live)`,

		// Classified on-chain events, one row per transaction signature
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			signature VARCHAR(88) NOT NULL UNIQUE,
			wallet_address VARCHAR(44) NOT NULL,
			user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
			token_a VARCHAR(44) NOT NULL,
			token_b VARCHAR(44) NOT NULL,
			type VARCHAR(10) NOT NULL,
			amount_a NUMERIC(20, 9) NOT NULL DEFAULT 0,
			amount_b NUMERIC(20, 9) NOT NULL DEFAULT 0,
			trade_pnl NUMERIC(20, 6) NOT NULL DEFAULT 0,
			platform VARCHAR(50),
			tx_fees NUMERIC(10, 9) NOT NULL DEFAULT 0,
			raw_data JSON,
			timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_id ON trades(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_wallet_address ON trades(wallet_address)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_tokens ON trades(token_a, token_b)`,

		// One realized-PnL row per wallet per reference-timezone day
		`CREATE TABLE IF NOT EXISTS pnl_records (
			id SERIAL PRIMARY KEY,
			user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
			wallet_address VARCHAR(44) NOT NULL,
			date DATE NOT NULL,
			start_balance NUMERIC(20, 9) NOT NULL DEFAULT 0,
			end_balance NUMERIC(20, 9),
			realized_pnl NUMERIC(20, 6) NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			last_trade_id INTEGER REFERENCES trades(id) ON DELETE SET NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pnl_records_user_id ON pnl_records(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pnl_records_wallet_date ON pnl_records(wallet_address, date)`,

		// Token metadata cache
		`CREATE TABLE IF NOT EXISTS tokens (
			id SERIAL PRIMARY KEY,
			address VARCHAR(44) NOT NULL UNIQUE,
			symbol VARCHAR(20) NOT NULL,
			name VARCHAR(100) NOT NULL,
			decimals INTEGER,
			verified BOOLEAN DEFAULT FALSE,
			last_price NUMERIC(20, 6),
			metadata JSON,
			last_updated TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_symbol ON tokens(symbol)`,

		// Referenced by dashboards and seed tooling, never written by the core
		`CREATE TABLE IF NOT EXISTS stream_sessions (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			platform VARCHAR(50) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_sessions_user_id ON stream_sessions(user_id)`,

		`CREATE TABLE IF NOT EXISTS token_positions (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			wallet_address VARCHAR(44) NOT NULL,
			token_address VARCHAR(44) NOT NULL,
			amount NUMERIC(20, 9) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_positions_user_id ON token_positions(user_id)`,

		// updated_at trigger function
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_users_updated_at ON users`,
		`CREATE TRIGGER update_users_updated_at BEFORE UPDATE ON users
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_trades_updated_at ON trades`,
		`CREATE TRIGGER update_trades_updated_at BEFORE UPDATE ON trades
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_pnl_records_updated_at ON pnl_records`,
		`CREATE TRIGGER update_pnl_records_updated_at BEFORE UPDATE ON pnl_records
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("database migrations completed")
	return nil
}
