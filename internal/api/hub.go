package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"solana-wallet-tracker/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
	eventQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The push protocol is unauthenticated; any dashboard origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one websocket connection and its wallet subscriptions.
type Client struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	closeChan chan struct{}

	mu     sync.Mutex
	closed bool
}

// enqueue queues a frame for the write pump. False means the client is
// closed or its buffer is full; callers treat both as a dead connection.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel once. The write pump drains whatever
// is still buffered, sends a close frame, and exits.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type subRequest struct {
	client    *Client
	wallet    string
	subscribe bool
}

// Hub routes monitor events to websocket subscribers. Map mutations happen
// on the Run goroutine; the mutex makes the counters safe for the REST
// health surface.
type Hub struct {
	snapshots *SnapshotBuilder
	logger    zerolog.Logger

	mu         sync.RWMutex
	clients    map[*Client]bool
	walletSubs map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	requests   chan subRequest
	events     chan events.Event
	stop       chan struct{}
	done       chan struct{}
}

// NewHub creates the hub and subscribes it to the event bus. Run must be
// started before clients connect.
func NewHub(bus *events.EventBus, snapshots *SnapshotBuilder, logger zerolog.Logger) *Hub {
	hub := &Hub{
		snapshots:  snapshots,
		logger:     logger.With().Str("component", "hub").Logger(),
		clients:    make(map[*Client]bool),
		walletSubs: make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		requests:   make(chan subRequest),
		events:     make(chan events.Event, eventQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	bus.SubscribeAll(hub.enqueueEvent)
	return hub
}

// enqueueEvent hands a bus event to the hub goroutine. The bus dispatches
// inline, so this must never block; a full queue drops the frame.
func (h *Hub) enqueueEvent(event events.Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn().Str("type", string(event.Type)).Str("wallet", event.Wallet).
			Msg("event queue full, dropping frame")
	}
}

// Run owns all subscription state. It exits after Stop, closing every
// client connection on the way out.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case request := <-h.requests:
			h.handleSubscription(request)
		case event := <-h.events:
			h.dispatch(event)
		case <-h.stop:
			h.closeAll()
			return
		}
	}
}

// Stop shuts the hub down and waits for Run to finish.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.done
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Str("client", client.id).Int("clients", count).Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, known := h.clients[client]
	if known {
		delete(h.clients, client)
		for wallet, subs := range h.walletSubs {
			if subs[client] {
				delete(subs, client)
				if len(subs) == 0 {
					delete(h.walletSubs, wallet)
				}
			}
		}
	}
	h.mu.Unlock()
	if known {
		client.closeSend()
		h.logger.Debug().Str("client", client.id).Msg("websocket client disconnected")
	}
}

func (h *Hub) handleSubscription(request subRequest) {
	h.mu.Lock()
	known := h.clients[request.client]
	if known {
		if request.subscribe {
			if h.walletSubs[request.wallet] == nil {
				h.walletSubs[request.wallet] = make(map[*Client]bool)
			}
			h.walletSubs[request.wallet][request.client] = true
		} else if subs, ok := h.walletSubs[request.wallet]; ok {
			delete(subs, request.client)
			if len(subs) == 0 {
				delete(h.walletSubs, request.wallet)
			}
		}
	}
	h.mu.Unlock()
	if !known {
		return
	}

	kind := FrameSubscribeWallet
	if !request.subscribe {
		kind = FrameUnsubscribeWallet
	}
	request.client.enqueue(marshalFrame(kind, walletAck{WalletAddress: request.wallet, Success: true}))
}

// dispatch fans one monitor event out: the typed frame to the wallet's
// subscribers, then a USERS_UPDATE snapshot of the affected wallet to every
// connected client so dashboards can re-rank.
func (h *Hub) dispatch(event events.Event) {
	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.walletSubs[event.Wallet]))
	for client := range h.walletSubs[event.Wallet] {
		subscribers = append(subscribers, client)
	}
	connected := len(h.clients)
	h.mu.RUnlock()

	var stale []*Client
	if len(subscribers) > 0 {
		frame := marshalFrame(string(event.Type), event.Data)
		for _, client := range subscribers {
			if !client.enqueue(frame) {
				stale = append(stale, client)
			}
		}
	}

	if connected > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snapshot, err := h.snapshots.ForWallet(ctx, event.Wallet)
		cancel()
		switch {
		case err != nil:
			h.logger.Error().Err(err).Str("wallet", event.Wallet).Msg("failed to assemble wallet snapshot")
		case snapshot == nil:
			h.logger.Debug().Str("wallet", event.Wallet).Msg("event for wallet without a user row")
		default:
			update := marshalFrame(FrameUsersUpdate, snapshot)
			h.mu.RLock()
			all := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				all = append(all, client)
			}
			h.mu.RUnlock()
			for _, client := range all {
				if !client.enqueue(update) {
					stale = append(stale, client)
				}
			}
		}
	}

	for _, client := range stale {
		h.removeClient(client)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.walletSubs = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.closeSend()
	}
	h.logger.Info().Int("clients", len(clients)).Msg("websocket hub stopped")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to a wallet.
func (h *Hub) SubscriberCount(wallet string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.walletSubs[wallet])
}

// handleFrame runs on the read pump goroutine: decode, validate, and hand
// subscription changes to the Run loop. Protocol errors answer only the
// offending client and never close the connection.
func (h *Hub) handleFrame(client *Client, message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		client.enqueue(errorFrame("Invalid message format"))
		return
	}

	switch frame.Type {
	case FrameSubscribeWallet, FrameUnsubscribeWallet:
		var request walletRequest
		if err := json.Unmarshal(frame.Data, &request); err != nil || request.WalletAddress == "" {
			client.enqueue(errorFrame("walletAddress is required"))
			return
		}
		select {
		case h.requests <- subRequest{client: client, wallet: request.WalletAddress, subscribe: frame.Type == FrameSubscribeWallet}:
		case <-h.stop:
		}
	default:
		client.enqueue(errorFrame(fmt.Sprintf("Unknown message type: %s", frame.Type)))
	}
}

// ServeWS upgrades the connection, sends the USERS_LIST snapshot before
// anything else, then registers the client and starts its pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		id:        uuid.New().String(),
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		closeChan: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	snapshots, err := h.snapshots.AllUsers(ctx)
	cancel()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err != nil {
		h.logger.Error().Err(err).Str("client", client.id).Msg("failed to assemble users list")
		if writeErr := conn.WriteMessage(websocket.TextMessage, errorFrame("Failed to load users")); writeErr != nil {
			conn.Close()
			return
		}
	} else if err := conn.WriteMessage(websocket.TextMessage, marshalFrame(FrameUsersList, snapshots)); err != nil {
		conn.Close()
		return
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump relays inbound frames until the connection dies, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client", c.id).Msg("websocket read error")
			}
			break
		}
		c.hub.handleFrame(c, message)
	}
}

// writePump serializes all writes to the connection and keeps it alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeChan:
			return
		}
	}
}
