package database

import (
	"encoding/json"
	"strconv"
	"time"
)

// Trade type constants
const (
	TradeTypeBuy        = "buy"
	TradeTypeSell       = "sell"
	TradeTypeDeposit    = "deposit"
	TradeTypeWithdrawal = "withdrawal"
)

// Platform tags. Swap classification cannot name the venue from balance
// deltas alone, so buys and sells carry PlatformUnknown.
const (
	PlatformTransfer = "transfer"
	PlatformUnknown  = "unknown"
)

// Amount is a numeric column value carried as float64 for arithmetic and
// serialized as a decimal string on the wire.
type Amount float64

// MarshalJSON renders the amount as a decimal string, e.g. "0.1", "-500".
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatFloat(float64(a), 'f', -1, 64))
}

// UnmarshalJSON accepts both string and bare-number forms.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*a = Amount(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// User represents a tracked trader in the database
type User struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	Email          *string    `json:"email,omitempty"`
	WalletAddress  string     `json:"wallet_address"`
	StreamPlatform *string    `json:"stream_platform,omitempty"`
	StreamURL      *string    `json:"stream_url,omitempty"`
	IsLive         bool       `json:"is_live"`
	LastActive     *time.Time `json:"last_active,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Trade represents one classified on-chain event. Signature is the
// idempotency key: upserts by signature overwrite every other column.
type Trade struct {
	ID            int64           `json:"id"`
	Signature     string          `json:"signature"`
	WalletAddress string          `json:"wallet_address"`
	UserID        *int64          `json:"user_id,omitempty"`
	TokenA        string          `json:"token_a"`
	TokenB        string          `json:"token_b"`
	Type          string          `json:"type"`
	AmountA       Amount          `json:"amount_a"`
	AmountB       Amount          `json:"amount_b"`
	TradePnl      Amount          `json:"trade_pnl"`
	Platform      string          `json:"platform"`
	TxFees        Amount          `json:"tx_fees"`
	RawData       json.RawMessage `json:"raw_data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PnlRecord represents one wallet's realized PnL for one reference-timezone day
type PnlRecord struct {
	ID            int64     `json:"id"`
	UserID        *int64    `json:"user_id,omitempty"`
	WalletAddress string    `json:"wallet_address"`
	Date          time.Time `json:"date"`
	StartBalance  Amount    `json:"start_balance"`
	EndBalance    *Amount   `json:"end_balance,omitempty"`
	RealizedPnl   Amount    `json:"realized_pnl"`
	TotalTrades   int       `json:"total_trades"`
	LastTradeID   *int64    `json:"last_trade_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Token represents cached token metadata for a mint
type Token struct {
	ID          int64           `json:"id"`
	Address     string          `json:"address"`
	Symbol      string          `json:"symbol"`
	Name        string          `json:"name"`
	Decimals    *int            `json:"decimals,omitempty"`
	Verified    bool            `json:"verified"`
	LastPrice   *Amount         `json:"last_price,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	LastUpdated *time.Time      `json:"last_updated,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SignatureStamp pairs a persisted trade signature with its block time
type SignatureStamp struct {
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// PnlFields carries the mutable columns of a PnlRecord for targeted updates
type PnlFields struct {
	EndBalance  Amount `json:"end_balance"`
	RealizedPnl Amount `json:"realized_pnl"`
	TotalTrades int    `json:"total_trades"`
	LastTradeID *int64 `json:"last_trade_id,omitempty"`
}
