package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"multichain-funding/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

type streamClient struct {
	id      string
	account string
	conn    *websocket.Conn
	send    chan []byte
}

// StreamHub pushes balance snapshots and transfer lists to WebSocket clients
// subscribed to an account. Slow clients drop messages rather than block producers.
type StreamHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*streamClient]struct{} // account -> clients
}

// NewStreamHub creates an empty hub
func NewStreamHub(logger *zap.Logger) *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.Named("stream"),
		clients: make(map[string]map[*streamClient]struct{}),
	}
}

// ServeWS handles GET /ws/{account}
func (h *StreamHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	account := strings.ToLower(mux.Vars(r)["account"])
	if account == "" {
		respondError(w, http.StatusBadRequest, "account is required", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &streamClient{
		id:      uuid.NewString(),
		account: account,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
	}
	h.register(c)

	go c.writePump()
	go h.readPump(c)
}

// Clients returns the number of connected clients for account
func (h *StreamHub) Clients(account string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[strings.ToLower(account)])
}

// OnPartial implements worker.BalanceListener
func (h *StreamHub) OnPartial(account, chainID string, balances models.ChainBalances) {
	h.broadcast(StreamMessage{Type: StreamPartial, Account: account, ChainID: chainID, Data: balances})
}

// OnCycle implements worker.BalanceListener
func (h *StreamHub) OnCycle(account string, balances models.BalanceMap) {
	h.broadcast(StreamMessage{Type: StreamBalances, Account: account, Data: balances})
}

// OnTransfers implements service.HistoryListener
func (h *StreamHub) OnTransfers(account string, transfers []models.FundingTransfer) {
	h.broadcast(StreamMessage{Type: StreamTransfers, Account: account, Data: transfers})
}

// Close disconnects every client
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for account, clients := range h.clients {
		for c := range clients {
			close(c.send)
		}
		delete(h.clients, account)
	}
}

func (h *StreamHub) register(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[c.account]
	if !ok {
		clients = make(map[*streamClient]struct{})
		h.clients[c.account] = clients
	}
	clients[c] = struct{}{}
	h.logger.Debug("Stream client connected", zap.String("client_id", c.id), zap.String("account", c.account))
}

func (h *StreamHub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[c.account]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.clients, c.account)
	}
	h.logger.Debug("Stream client disconnected", zap.String("client_id", c.id), zap.String("account", c.account))
}

func (h *StreamHub) broadcast(msg StreamMessage) {
	key := strings.ToLower(msg.Account)

	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := h.clients[key]
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode stream message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	for c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Stream client buffer full, dropping message",
				zap.String("client_id", c.id), zap.String("type", msg.Type))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *streamClient) writePump() {
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
		}
	}
}

// readPump discards client frames and unregisters the client once the connection fails
func (h *StreamHub) readPump(c *streamClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Stream read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}
