package xrpl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// requestTimeout bounds request/response commands such as account_tx.
	requestTimeout = 20 * time.Second
)

// PaymentHandler is called for every validated payment on the
// transactions stream.
type PaymentHandler = func(domain.PaymentEvent)

// WSClient is a WebSocket client for an XRPL server. It manages the
// connection lifecycle, per-account subscriptions, request/response
// commands, and dispatches validated payments to registered handlers.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Accounts to restore on reconnect.
	subscribed map[string]struct{}

	// Pending request/response commands keyed by request id.
	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan response

	paymentHandlers []PaymentHandler
	handlerMu       sync.RWMutex

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a new WebSocket client for the given XRPL endpoint,
// e.g. "wss://s1.ripple.com".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL:      wsURL,
		subscribed: make(map[string]struct{}),
		pending:    make(map[int64]chan response),
		done:       make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("xrpl/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("xrpl/ws: connect: %w", err)
	}

	w.conn = conn

	// Set up pong handler for keep-alive.
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Start the read loop and ping loop.
	go w.readLoop()
	go w.pingLoop()

	// Restore the subscription set after reconnect.
	if len(w.subscribed) > 0 {
		accounts := make([]string, 0, len(w.subscribed))
		for a := range w.subscribed {
			accounts = append(accounts, a)
		}
		cmd := command{
			ID:       w.nextID.Add(1),
			Command:  "subscribe",
			Accounts: accounts,
		}
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("xrpl/ws: restore subscriptions: %w", err)
		}
	}

	return nil
}

// SubscribeAccounts adds the given accounts to the transactions stream
// subscription. Accounts are tracked and restored on reconnect.
func (w *WSClient) SubscribeAccounts(ctx context.Context, accounts ...string) error {
	if len(accounts) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("xrpl/ws: not connected")
	}

	cmd := command{
		ID:       w.nextID.Add(1),
		Command:  "subscribe",
		Accounts: accounts,
	}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("xrpl/ws: subscribe: %w", err)
	}

	for _, a := range accounts {
		w.subscribed[a] = struct{}{}
	}

	return nil
}

// UnsubscribeAccounts removes the given accounts from the transactions
// stream subscription.
func (w *WSClient) UnsubscribeAccounts(ctx context.Context, accounts ...string) error {
	if len(accounts) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("xrpl/ws: not connected")
	}

	cmd := command{
		ID:       w.nextID.Add(1),
		Command:  "unsubscribe",
		Accounts: accounts,
	}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("xrpl/ws: unsubscribe: %w", err)
	}

	for _, a := range accounts {
		delete(w.subscribed, a)
	}

	return nil
}

// AccountTx fetches up to limit recent validated payments to or from the
// given account, most recent first.
func (w *WSClient) AccountTx(ctx context.Context, account string, limit int) ([]domain.PaymentEvent, error) {
	cmd := command{
		ID:             w.nextID.Add(1),
		Command:        "account_tx",
		Account:        account,
		LedgerIndexMin: -1,
		LedgerIndexMax: -1,
		Limit:          limit,
	}

	resp, err := w.call(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("xrpl/ws: account_tx %s: %w", account, err)
	}

	var result accountTxResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("xrpl/ws: account_tx %s: decode result: %w", account, err)
	}

	events := make([]domain.PaymentEvent, 0, len(result.Transactions))
	for _, entry := range result.Transactions {
		if evt, ok := normalizeAccountTxEntry(entry); ok {
			events = append(events, evt)
		}
	}

	return events, nil
}

// Close shuts down the WebSocket connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		// Send a close message to the server.
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// OnPayment registers a handler that is called for every validated payment
// received on the transactions stream.
func (w *WSClient) OnPayment(handler PaymentHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.paymentHandlers = append(w.paymentHandlers, handler)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd command) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// call sends a request/response command and waits for the matching reply.
func (w *WSClient) call(ctx context.Context, cmd command) (response, error) {
	ch := make(chan response, 1)

	w.pendingMu.Lock()
	w.pending[cmd.ID] = ch
	w.pendingMu.Unlock()

	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, cmd.ID)
		w.pendingMu.Unlock()
	}()

	w.mu.Lock()
	if w.conn == nil {
		w.mu.Unlock()
		return response{}, fmt.Errorf("not connected")
	}
	err := w.sendCommand(cmd)
	w.mu.Unlock()
	if err != nil {
		return response{}, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Status == "error" || resp.Error != "" {
			return response{}, fmt.Errorf("server error: %s", resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return response{}, fmt.Errorf("request timed out")
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-w.done:
		return response{}, domain.ErrWSDisconnect
	}
}

// readLoop continuously reads messages from the WebSocket and dispatches
// them to pending calls or payment handlers. It runs in its own goroutine.
// On disconnect, it attempts to reconnect with exponential backoff.
func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			// Check if we've been shut down.
			select {
			case <-w.done:
				return
			default:
			}

			// Attempt reconnection.
			w.reconnect()
			return // readLoop will be restarted by reconnect -> Connect
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw WebSocket message and routes it either to a
// pending request/response call or to the payment handlers.
func (w *WSClient) handleMessage(raw []byte) {
	// First, peek at the outer envelope to tell replies from stream events.
	var envelope struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // Silently drop unparseable messages.
	}

	if envelope.Type == "response" || (envelope.Type == "" && envelope.ID != 0) {
		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return
		}

		w.pendingMu.Lock()
		ch, ok := w.pending[resp.ID]
		w.pendingMu.Unlock()

		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
		return
	}

	if envelope.Type != "transaction" {
		return
	}

	var env txEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	evt, ok := NormalizePayment(env)
	if !ok {
		return
	}

	w.handlerMu.RLock()
	handlers := w.paymentHandlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

// reconnect attempts to re-establish the WebSocket connection with
// exponential backoff. It blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		// Exponential backoff.
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
