// Package solana is a thin JSON-RPC client for the subset of Solana node
// methods the wallet monitor needs. It talks to any standard RPC endpoint
// (public, QuickNode, Chainstack) over plain HTTP.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrRPC covers transport failures, non-200 responses, and error objects
// returned by the node. Callers treat these as retryable.
var ErrRPC = errors.New("solana rpc error")

// ErrParse covers responses that arrived but could not be decoded.
// Callers treat the underlying transaction as undecodable, not retryable.
var ErrParse = errors.New("solana response parse error")

const (
	maxResponseBytes = 10 << 20
	tokenProgramID   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
	ID      int64           `json:"id"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is a Solana JSON-RPC client with a fixed cap on in-flight requests.
type Client struct {
	url    string
	client *http.Client
	sem    chan struct{}
	nextID int64
}

// NewClient creates a client for the given RPC endpoint. maxInflight bounds
// concurrent requests across all callers sharing the client.
func NewClient(url string, timeout time.Duration, maxInflight int) *Client {
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
		sem:    make(chan struct{}, maxInflight),
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	reqBody, _ := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddInt64(&c.nextID, 1),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRPC, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRPC, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRPC, method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: http status %d", ErrRPC, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: %s: %d %s", ErrRPC, method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// GetBalance returns the wallet's SOL balance in lamports.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	result, err := c.call(ctx, "getBalance", []interface{}{address})
	if err != nil {
		return 0, err
	}
	var out struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return 0, fmt.Errorf("%w: getBalance: %v", ErrParse, err)
	}
	return out.Value, nil
}

// GetSignaturesForAddress returns up to limit recent transaction signatures
// for the address, newest first as ordered by the backend.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	result, err := c.call(ctx, "getSignaturesForAddress", []interface{}{
		address,
		map[string]interface{}{"limit": limit},
	})
	if err != nil {
		return nil, err
	}
	var sigs []SignatureInfo
	if err := json.Unmarshal(result, &sigs); err != nil {
		return nil, fmt.Errorf("%w: getSignaturesForAddress: %v", ErrParse, err)
	}
	return sigs, nil
}

// GetParsedTransaction fetches one confirmed transaction in jsonParsed form.
// Returns (nil, nil) when the node does not know the signature yet.
func (c *Client) GetParsedTransaction(ctx context.Context, signature string) (*ParsedTransaction, error) {
	result, err := c.call(ctx, "getTransaction", []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, nil
	}
	var tx ParsedTransaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("%w: getTransaction %s: %v", ErrParse, signature, err)
	}
	return &tx, nil
}

// GetParsedTokenAccounts returns the owner's SPL token holdings.
func (c *Client) GetParsedTokenAccounts(ctx context.Context, owner string) ([]TokenAccount, error) {
	result, err := c.call(ctx, "getTokenAccountsByOwner", []interface{}{
		owner,
		map[string]interface{}{"programId": tokenProgramID},
		map[string]interface{}{"encoding": "jsonParsed"},
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string        `json:"mint"`
							TokenAmount UITokenAmount `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("%w: getTokenAccountsByOwner: %v", ErrParse, err)
	}

	accounts := make([]TokenAccount, 0, len(out.Value))
	for _, v := range out.Value {
		info := v.Account.Data.Parsed.Info
		if info.Mint == "" {
			continue
		}
		amount := 0.0
		if info.TokenAmount.UIAmount != nil {
			amount = *info.TokenAmount.UIAmount
		}
		accounts = append(accounts, TokenAccount{Mint: info.Mint, UIAmount: amount})
	}
	return accounts, nil
}

// GetMintDecimals reads the decimals field of an SPL mint account.
// Returns nil without error when the account is missing or not a mint.
func (c *Client) GetMintDecimals(ctx context.Context, mint string) (*int, error) {
	result, err := c.call(ctx, "getAccountInfo", []interface{}{
		mint,
		map[string]interface{}{"encoding": "jsonParsed"},
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Value *struct {
			Data struct {
				Parsed struct {
					Type string `json:"type"`
					Info struct {
						Decimals int `json:"decimals"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("%w: getAccountInfo %s: %v", ErrParse, mint, err)
	}
	if out.Value == nil || out.Value.Data.Parsed.Type != "mint" {
		return nil, nil
	}
	decimals := out.Value.Data.Parsed.Info.Decimals
	return &decimals, nil
}
