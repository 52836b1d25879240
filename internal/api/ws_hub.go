package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/execution"
	"github.com/atmx/trade-ledger/internal/metrics"
	"github.com/atmx/trade-ledger/internal/model"
)

// EventPriceUpdated is broadcast when an instrument's reference price changes.
const EventPriceUpdated = "price_updated"

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string            `json:"type"`
	OrderID       string            `json:"order_id,omitempty"`
	AccountID     string            `json:"account_id,omitempty"`
	InstrumentID  string            `json:"instrument_id"`
	Symbol        string            `json:"symbol,omitempty"`
	Side          model.Side        `json:"side,omitempty"`
	Quantity      int64             `json:"quantity,omitempty"`
	Price         *decimal.Decimal  `json:"price,omitempty"`
	Status        model.OrderStatus `json:"status,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// WSHub manages WebSocket connections and broadcasts order events and price
// changes to every connected client.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns nil once ctx is done, after
// closing every client.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for all connected clients. It never blocks:
// when the buffer is full the message is dropped.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("ws broadcast dropped", "type", msg.Type)
	}
}

// Publish implements execution.Publisher.
func (h *WSHub) Publish(ev execution.Event) {
	msg := WSMessage{
		Type:         string(ev.Type),
		OrderID:      ev.Order.ID,
		AccountID:    ev.Order.AccountID,
		InstrumentID: ev.Order.InstrumentID,
		Side:         ev.Order.Side,
		Quantity:     ev.Order.Quantity,
		Status:       ev.Order.Status,
		Timestamp:    ev.Order.UpdatedAt,
	}
	if tx := ev.Transaction; tx != nil {
		price := tx.Price
		msg.Price = &price
		msg.TransactionID = tx.ID
		msg.Timestamp = tx.Timestamp
	}
	h.Broadcast(msg)
}

// BroadcastPrice announces a new reference price.
func (h *WSHub) BroadcastPrice(inst *model.Instrument, at time.Time) {
	price := inst.CurrentPrice
	h.Broadcast(WSMessage{
		Type:         EventPriceUpdated,
		InstrumentID: inst.ID,
		Symbol:       inst.Symbol,
		Price:        &price,
		Timestamp:    at,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.Lock()
			_, ok := h.clients[conn]
			if !ok {
				h.mu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			h.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
}

var _ execution.Publisher = (*WSHub)(nil)
