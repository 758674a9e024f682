package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// USERS
// ============================================================================

const userColumns = `id, username, email, wallet_address, stream_platform, stream_url,
	       is_live, last_active, created_at, updated_at`

// ListLiveUsers retrieves the users whose wallets are currently monitored
func (r *Repository) ListLiveUsers(ctx context.Context) ([]*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE is_live = TRUE
		ORDER BY id
	`
	return r.queryUsers(ctx, query)
}

// ListUsers retrieves all users, most recently active first
func (r *Repository) ListUsers(ctx context.Context) ([]*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		ORDER BY last_active DESC NULLS LAST, id
	`
	return r.queryUsers(ctx, query)
}

// GetUserByWallet retrieves a user by wallet address
func (r *Repository) GetUserByWallet(ctx context.Context, walletAddress string) (*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE wallet_address = $1
	`
	user := &User{}
	err := r.db.Pool.QueryRow(ctx, query, walletAddress).Scan(
		&user.ID, &user.Username, &user.Email, &user.WalletAddress,
		&user.StreamPlatform, &user.StreamURL, &user.IsLive, &user.LastActive,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (r *Repository) queryUsers(ctx context.Context, query string, args ...interface{}) ([]*User, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user := &User{}
		err := rows.Scan(
			&user.ID, &user.Username, &user.Email, &user.WalletAddress,
			&user.StreamPlatform, &user.StreamURL, &user.IsLive, &user.LastActive,
			&user.CreatedAt, &user.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ============================================================================
// TRADES
// ============================================================================

const tradeColumns = `id, signature, wallet_address, user_id, token_a, token_b, type,
	       amount_a, amount_b, trade_pnl, platform, tx_fees, raw_data, timestamp,
	       created_at, updated_at`

// UpsertTrade inserts a trade keyed by signature, overwriting every other
// column when the signature already exists. The persisted id and timestamps
// are written back into the passed trade.
func (r *Repository) UpsertTrade(ctx context.Context, trade *Trade) error {
	query := `
		INSERT INTO trades (signature, wallet_address, user_id, token_a, token_b, type,
		                    amount_a, amount_b, trade_pnl, platform, tx_fees, raw_data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (signature) DO UPDATE SET
			wallet_address = EXCLUDED.wallet_address,
			user_id = EXCLUDED.user_id,
			token_a = EXCLUDED.token_a,
			token_b = EXCLUDED.token_b,
			type = EXCLUDED.type,
			amount_a = EXCLUDED.amount_a,
			amount_b = EXCLUDED.amount_b,
			trade_pnl = EXCLUDED.trade_pnl,
			platform = EXCLUDED.platform,
			tx_fees = EXCLUDED.tx_fees,
			raw_data = EXCLUDED.raw_data,
			timestamp = EXCLUDED.timestamp,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at, updated_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		trade.Signature, trade.WalletAddress, trade.UserID, trade.TokenA, trade.TokenB,
		trade.Type, trade.AmountA, trade.AmountB, trade.TradePnl, trade.Platform,
		trade.TxFees, trade.RawData, trade.Timestamp,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert trade %s: %w", trade.Signature, err)
	}
	return nil
}

// LatestSignaturesForWallet retrieves the newest persisted trade signatures
// for a wallet. Used to warm the in-process dedupe set at startup.
func (r *Repository) LatestSignaturesForWallet(ctx context.Context, walletAddress string, limit int) ([]SignatureStamp, error) {
	query := `
		SELECT signature, timestamp
		FROM trades
		WHERE wallet_address = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, walletAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	var stamps []SignatureStamp
	for rows.Next() {
		var s SignatureStamp
		if err := rows.Scan(&s.Signature, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		stamps = append(stamps, s)
	}
	return stamps, rows.Err()
}

// LatestTrade retrieves a wallet's most recent trade by block time
func (r *Repository) LatestTrade(ctx context.Context, walletAddress string) (*Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE wallet_address = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`
	return r.queryOneTrade(ctx, query, walletAddress)
}

// TradeByID retrieves a trade by ID
func (r *Repository) TradeByID(ctx context.Context, id int64) (*Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE id = $1
	`
	return r.queryOneTrade(ctx, query, id)
}

// TradeBySignature retrieves a trade by its transaction signature.
// Returns nil when no trade with that signature exists.
func (r *Repository) TradeBySignature(ctx context.Context, signature string) (*Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE signature = $1
	`
	return r.queryOneTrade(ctx, query, signature)
}

// GetTradesByWallet retrieves a wallet's trades with pagination, newest first
func (r *Repository) GetTradesByWallet(ctx context.Context, walletAddress string, limit, offset int) ([]*Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE wallet_address = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryTrades(ctx, query, walletAddress, limit, offset)
}

func (r *Repository) queryOneTrade(ctx context.Context, query string, args ...interface{}) (*Trade, error) {
	trade := &Trade{}
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&trade.ID, &trade.Signature, &trade.WalletAddress, &trade.UserID,
		&trade.TokenA, &trade.TokenB, &trade.Type, &trade.AmountA, &trade.AmountB,
		&trade.TradePnl, &trade.Platform, &trade.TxFees, &trade.RawData,
		&trade.Timestamp, &trade.CreatedAt, &trade.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return trade, nil
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade := &Trade{}
		err := rows.Scan(
			&trade.ID, &trade.Signature, &trade.WalletAddress, &trade.UserID,
			&trade.TokenA, &trade.TokenB, &trade.Type, &trade.AmountA, &trade.AmountB,
			&trade.TradePnl, &trade.Platform, &trade.TxFees, &trade.RawData,
			&trade.Timestamp, &trade.CreatedAt, &trade.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// ============================================================================
// PNL RECORDS
// ============================================================================

const pnlColumns = `id, user_id, wallet_address, date, start_balance, end_balance,
	       realized_pnl, total_trades, last_trade_id, created_at, updated_at`

// GetDailyPnl retrieves a wallet's PnL row for one reference-timezone day.
// The date is a "YYYY-MM-DD" string in the reference timezone.
func (r *Repository) GetDailyPnl(ctx context.Context, walletAddress, date string) (*PnlRecord, error) {
	query := `
		SELECT ` + pnlColumns + `
		FROM pnl_records
		WHERE wallet_address = $1 AND date = $2::date
	`
	return r.queryOnePnlRecord(ctx, query, walletAddress, date)
}

// InsertDailyPnl inserts a new daily PnL row and writes back its id
func (r *Repository) InsertDailyPnl(ctx context.Context, record *PnlRecord) error {
	query := `
		INSERT INTO pnl_records (user_id, wallet_address, date, start_balance, end_balance,
		                         realized_pnl, total_trades, last_trade_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		record.UserID, record.WalletAddress, record.Date, record.StartBalance,
		record.EndBalance, record.RealizedPnl, record.TotalTrades, record.LastTradeID,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pnl record: %w", err)
	}
	return nil
}

// UpdateDailyPnl updates the mutable columns of an existing daily PnL row
func (r *Repository) UpdateDailyPnl(ctx context.Context, id int64, fields PnlFields) error {
	query := `
		UPDATE pnl_records
		SET end_balance = $2, realized_pnl = $3, total_trades = $4, last_trade_id = $5
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(
		ctx, query,
		id, fields.EndBalance, fields.RealizedPnl, fields.TotalTrades, fields.LastTradeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pnl record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no pnl record found with id %d", id)
	}
	return nil
}

// LastDailyPnl retrieves a wallet's most recent PnL row strictly before the
// given reference-timezone date. Used to seed a new day's start balance.
func (r *Repository) LastDailyPnl(ctx context.Context, walletAddress, before string) (*PnlRecord, error) {
	query := `
		SELECT ` + pnlColumns + `
		FROM pnl_records
		WHERE wallet_address = $1 AND date < $2::date
		ORDER BY date DESC
		LIMIT 1
	`
	return r.queryOnePnlRecord(ctx, query, walletAddress, before)
}

// GetPnlHistory retrieves a wallet's daily PnL rows, newest day first
func (r *Repository) GetPnlHistory(ctx context.Context, walletAddress string, limit int) ([]*PnlRecord, error) {
	query := `
		SELECT ` + pnlColumns + `
		FROM pnl_records
		WHERE wallet_address = $1
		ORDER BY date DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, walletAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pnl history: %w", err)
	}
	defer rows.Close()

	var records []*PnlRecord
	for rows.Next() {
		record := &PnlRecord{}
		err := rows.Scan(
			&record.ID, &record.UserID, &record.WalletAddress, &record.Date,
			&record.StartBalance, &record.EndBalance, &record.RealizedPnl,
			&record.TotalTrades, &record.LastTradeID, &record.CreatedAt, &record.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pnl record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *Repository) queryOnePnlRecord(ctx context.Context, query string, args ...interface{}) (*PnlRecord, error) {
	record := &PnlRecord{}
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&record.ID, &record.UserID, &record.WalletAddress, &record.Date,
		&record.StartBalance, &record.EndBalance, &record.RealizedPnl,
		&record.TotalTrades, &record.LastTradeID, &record.CreatedAt, &record.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pnl record: %w", err)
	}
	return record, nil
}

// ============================================================================
// TOKENS
// ============================================================================

const tokenColumns = `id, address, symbol, name, decimals, verified, last_price,
	       metadata, last_updated, created_at`

// GetToken retrieves token metadata by mint address
func (r *Repository) GetToken(ctx context.Context, address string) (*Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE address = $1
	`
	token := &Token{}
	err := r.db.Pool.QueryRow(ctx, query, address).Scan(
		&token.ID, &token.Address, &token.Symbol, &token.Name, &token.Decimals,
		&token.Verified, &token.LastPrice, &token.Metadata, &token.LastUpdated,
		&token.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return token, nil
}

// ListTokens retrieves all cached token metadata
func (r *Repository) ListTokens(ctx context.Context) ([]*Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		token := &Token{}
		err := rows.Scan(
			&token.ID, &token.Address, &token.Symbol, &token.Name, &token.Decimals,
			&token.Verified, &token.LastPrice, &token.Metadata, &token.LastUpdated,
			&token.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// UpsertToken inserts or refreshes token metadata keyed by mint address
func (r *Repository) UpsertToken(ctx context.Context, token *Token) error {
	query := `
		INSERT INTO tokens (address, symbol, name, decimals, verified, metadata, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		ON CONFLICT (address) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals,
			verified = EXCLUDED.verified,
			metadata = EXCLUDED.metadata,
			last_updated = CURRENT_TIMESTAMP
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		token.Address, token.Symbol, token.Name, token.Decimals, token.Verified,
		token.Metadata,
	).Scan(&token.ID, &token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert token %s: %w", token.Address, err)
	}
	return nil
}

// UpdateTokenPrice records the latest observed price for a mint
func (r *Repository) UpdateTokenPrice(ctx context.Context, address string, price Amount) error {
	query := `
		UPDATE tokens
		SET last_price = $2, last_updated = CURRENT_TIMESTAMP
		WHERE address = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, address, price)
	if err != nil {
		return fmt.Errorf("failed to update token price: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no token found with address %s", address)
	}
	return nil
}
