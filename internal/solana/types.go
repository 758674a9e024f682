package solana

// NativeMint is the wrapped-SOL mint address. Buys and sells quote against
// it, and token metadata lookups resolve it to the fixed symbol "SOL".
const NativeMint = "So11111111111111111111111111111111111111112"

// LamportsPerSol converts raw lamport balances to SOL.
const LamportsPerSol = 1e9

// SignatureInfo is one entry from getSignaturesForAddress, newest first.
// Err is non-nil when the transaction failed on chain.
type SignatureInfo struct {
	Signature string      `json:"signature"`
	Slot      uint64      `json:"slot"`
	BlockTime *int64      `json:"blockTime"`
	Err       interface{} `json:"err"`
}

// UITokenAmount carries a token balance in both raw and UI units.
// UIAmount is nil when the account holds zero and the backend elides it.
type UITokenAmount struct {
	Amount   string   `json:"amount"`
	Decimals int      `json:"decimals"`
	UIAmount *float64 `json:"uiAmount"`
}

// TokenBalance is a pre/post token balance entry from transaction meta.
// AccountIndex points into the message account keys; Owner is the wallet
// that controls the token account.
type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// Meta is the status metadata of a confirmed transaction. Pre/PostBalances
// are lamports indexed by message account position.
type Meta struct {
	Err               interface{}    `json:"err"`
	Fee               uint64         `json:"fee"`
	PreBalances       []uint64       `json:"preBalances"`
	PostBalances      []uint64       `json:"postBalances"`
	PreTokenBalances  []TokenBalance `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance `json:"postTokenBalances"`
}

// AccountKey is one ordered entry of a transaction message's account list.
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// Message is the account section of a jsonParsed transaction message.
type Message struct {
	AccountKeys []AccountKey `json:"accountKeys"`
}

// TransactionDetail wraps the decoded message of a parsed transaction.
type TransactionDetail struct {
	Message Message `json:"message"`
}

// ParsedTransaction is the jsonParsed form of getTransaction.
type ParsedTransaction struct {
	Slot        uint64             `json:"slot"`
	BlockTime   *int64             `json:"blockTime"`
	Meta        *Meta              `json:"meta"`
	Transaction *TransactionDetail `json:"transaction"`
}

// AccountIndex returns the position of pubkey in the message account keys,
// or -1 when the transaction does not reference it.
func (tx *ParsedTransaction) AccountIndex(pubkey string) int {
	if tx.Transaction == nil {
		return -1
	}
	for i, key := range tx.Transaction.Message.AccountKeys {
		if key.Pubkey == pubkey {
			return i
		}
	}
	return -1
}

// SolChange returns the wallet's SOL balance delta for this transaction,
// or 0 when the wallet is absent from the balance arrays.
func (tx *ParsedTransaction) SolChange(pubkey string) float64 {
	idx := tx.AccountIndex(pubkey)
	if tx.Meta == nil || idx < 0 || idx >= len(tx.Meta.PreBalances) || idx >= len(tx.Meta.PostBalances) {
		return 0
	}
	return (float64(tx.Meta.PostBalances[idx]) - float64(tx.Meta.PreBalances[idx])) / LamportsPerSol
}

// TokenAccount is one SPL token holding of a wallet.
type TokenAccount struct {
	Mint     string  `json:"mint"`
	UIAmount float64 `json:"uiAmount"`
}
