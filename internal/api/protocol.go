package api

import "encoding/json"

// Push-protocol frame kinds. The three update kinds reuse the event bus
// type strings, so monitor events map onto frames without translation.
const (
	FrameSubscribeWallet   = "SUBSCRIBE_WALLET"
	FrameUnsubscribeWallet = "UNSUBSCRIBE_WALLET"
	FrameTradeUpdate       = "TRADE_UPDATE"
	FrameBalanceUpdate     = "BALANCE_UPDATE"
	FramePnlUpdate         = "PNL_UPDATE"
	FrameUsersList         = "USERS_LIST"
	FrameUsersUpdate       = "USERS_UPDATE"
	FrameError             = "ERROR"
)

// Frame is one push-protocol message, UTF-8 JSON in a websocket text frame.
type Frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// inboundFrame defers payload decoding until the kind is known.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// walletRequest is the payload of SUBSCRIBE_WALLET and UNSUBSCRIBE_WALLET.
type walletRequest struct {
	WalletAddress string `json:"walletAddress"`
}

// walletAck is the reply payload to a subscribe or unsubscribe request.
type walletAck struct {
	WalletAddress string `json:"walletAddress"`
	Success       bool   `json:"success"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func marshalFrame(frameType string, data interface{}) []byte {
	payload, err := json.Marshal(Frame{Type: frameType, Data: data})
	if err != nil {
		// Frame payloads are our own serializable types; this cannot
		// happen for well-formed data.
		return []byte(`{"type":"ERROR","data":{"message":"internal serialization error"}}`)
	}
	return payload
}

func errorFrame(message string) []byte {
	return marshalFrame(FrameError, errorPayload{Message: message})
}
