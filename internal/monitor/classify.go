package monitor

import (
	"encoding/json"
	"math"
	"time"

	"solana-wallet-tracker/internal/database"
	"solana-wallet-tracker/internal/solana"
)

const (
	// Lamport-level noise below this is treated as a zero SOL change.
	solChangeEpsilon = 1e-6
	// Token deltas at or below dust are dropped before classification.
	tokenDeltaEpsilon = 1e-6
)

// TokenDelta is one wallet-owned token balance change within a transaction.
type TokenDelta struct {
	Mint   string
	Change float64
}

func uiAmount(balance solana.TokenBalance) float64 {
	if balance.UITokenAmount.UIAmount == nil {
		return 0
	}
	return *balance.UITokenAmount.UIAmount
}

// tokenDeltas extracts the wallet's token balance changes from transaction
// meta. Post balances pair with pre balances at the same account index;
// wallet-owned pre balances with no post entry count as full exits. Dust
// deltas are dropped. Order follows the meta arrays so repeated runs see
// the same sequence.
func tokenDeltas(wallet string, meta *solana.Meta) []TokenDelta {
	pre := make(map[int]solana.TokenBalance)
	for _, balance := range meta.PreTokenBalances {
		if balance.Owner == wallet {
			pre[balance.AccountIndex] = balance
		}
	}

	matched := make(map[int]bool)
	var deltas []TokenDelta
	for _, post := range meta.PostTokenBalances {
		if post.Owner != wallet {
			continue
		}
		preAmount := 0.0
		if preBalance, ok := pre[post.AccountIndex]; ok {
			preAmount = uiAmount(preBalance)
			matched[post.AccountIndex] = true
		}
		change := uiAmount(post) - preAmount
		if math.Abs(change) <= tokenDeltaEpsilon {
			continue
		}
		deltas = append(deltas, TokenDelta{Mint: post.Mint, Change: change})
	}

	for _, preBalance := range meta.PreTokenBalances {
		if preBalance.Owner != wallet || matched[preBalance.AccountIndex] {
			continue
		}
		preAmount := uiAmount(preBalance)
		if preAmount <= tokenDeltaEpsilon {
			continue
		}
		deltas = append(deltas, TokenDelta{Mint: preBalance.Mint, Change: -preAmount})
	}
	return deltas
}

// classify maps a token delta and the wallet's SOL change to a trade type
// and its realized PnL contribution. SOL changes below the noise threshold
// count as zero, so fee dust never turns a plain transfer into a swap.
func classify(change, solChange float64) (string, float64) {
	if math.Abs(solChange) < solChangeEpsilon {
		solChange = 0
	}
	switch {
	case change > 0 && solChange < 0:
		return database.TradeTypeBuy, -math.Abs(solChange)
	case change < 0 && solChange > 0:
		return database.TradeTypeSell, math.Abs(solChange)
	case change > 0:
		return database.TradeTypeDeposit, 0
	default:
		return database.TradeTypeWithdrawal, 0
	}
}

// buildTrade constructs the trade row for one classified token delta.
// Buys and sells quote amountB in SOL against the native mint; transfers
// mirror the token on both sides.
func buildTrade(wallet string, userID *int64, signature string, timestamp time.Time, delta TokenDelta, solChange float64, feeLamports uint64, raw json.RawMessage) *database.Trade {
	tradeType, tradePnl := classify(delta.Change, solChange)

	trade := &database.Trade{
		Signature:     signature,
		WalletAddress: wallet,
		UserID:        userID,
		TokenA:        delta.Mint,
		Type:          tradeType,
		AmountA:       database.Amount(math.Abs(delta.Change)),
		TradePnl:      database.Amount(tradePnl),
		TxFees:        database.Amount(float64(feeLamports) / solana.LamportsPerSol),
		RawData:       raw,
		Timestamp:     timestamp,
	}

	switch tradeType {
	case database.TradeTypeBuy, database.TradeTypeSell:
		trade.TokenB = solana.NativeMint
		trade.AmountB = database.Amount(math.Abs(solChange))
		trade.Platform = database.PlatformUnknown
	default:
		trade.TokenB = delta.Mint
		trade.AmountB = database.Amount(math.Abs(delta.Change))
		trade.Platform = database.PlatformTransfer
	}
	return trade
}
