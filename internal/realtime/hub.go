// Package realtime streams invoice state changes over WebSocket.
//
// The payment page subscribes by pay link token or invoice ID and gets a
// push whenever reconciliation moves the invoice, instead of polling the
// state endpoint.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/paylink/internal/escrow"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/metrics"
)

const (
	// MaxClients caps concurrent connections per hub.
	MaxClients = 10000

	sendBuffer     = 256
	broadcastQueue = 256
	maxMessage     = 64 << 10
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
)

// EventType names a pushed event.
type EventType string

const (
	EventInvoiceChanged EventType = "invoice_changed"
	EventSuspicious     EventType = "invoice_suspicious"
)

type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      *InvoiceEvent `json:"data"`
}

// InvoiceEvent is the payload pushed for an invoice change.
type InvoiceEvent struct {
	InvoiceID      string                `json:"invoiceId"`
	PayLinkToken   string                `json:"payLinkToken"`
	Status         invoice.Status        `json:"status"`
	Classification escrow.Classification `json:"classification"`
	Payer          string                `json:"payer,omitempty"`
	Payee          string                `json:"payee"`
	FundTx         string                `json:"fundTx,omitempty"`
	ReleaseTx      string                `json:"releaseTx,omitempty"`
}

// Subscription is what a client wants to hear about. Every non-empty filter
// must match; AllEvents overrides them all.
type Subscription struct {
	AllEvents      bool        `json:"allEvents"`
	EventTypes     []EventType `json:"eventTypes"`
	InvoiceIDs     []string    `json:"invoiceIds"`
	PayLinkTokens  []string    `json:"payLinkTokens"`
	Addresses      []string    `json:"addresses"` // payer or payee
	SuspiciousOnly bool        `json:"suspiciousOnly"`
}

// Matches reports whether e passes the subscription's filters. An event
// with no invoice data only reaches unfiltered subscribers.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	d := e.Data
	if d == nil {
		return len(s.InvoiceIDs) == 0 && len(s.PayLinkTokens) == 0 &&
			len(s.Addresses) == 0 && !s.SuspiciousOnly
	}
	switch {
	case s.SuspiciousOnly && !d.Classification.Suspicious():
		return false
	case len(s.InvoiceIDs) > 0 && !slices.Contains(s.InvoiceIDs, d.InvoiceID):
		return false
	case len(s.PayLinkTokens) > 0 && !slices.Contains(s.PayLinkTokens, d.PayLinkToken):
		return false
	case len(s.Addresses) > 0:
		return slices.ContainsFunc(s.Addresses, func(a string) bool {
			return a != "" && (strings.EqualFold(a, d.Payer) || strings.EqualFold(a, d.Payee))
		})
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) resubscribe(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// HubStats is served on the operator stats route.
type HubStats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int   `json:"peakClients"`
}

// Hub owns the client set. Only Run mutates it; everything else talks to
// Run through channels.
type Hub struct {
	logger     *slog.Logger
	now        func() time.Time
	maxClients int
	origins    []string

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	mu      sync.RWMutex
	clients map[*Client]struct{}
	stats   HubStats
}

var _ escrow.Notifier = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		now:        time.Now,
		maxClients: MaxClients,
		broadcast:  make(chan *Event, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// WithOrigins sets the browser origins allowed to connect, matching the
// CORS list. "*" allows any. The serving host itself is always allowed.
func (h *Hub) WithOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.broadcast:
			h.fanOut(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.stats.TotalClients++
	n := len(h.clients)
	h.stats.PeakClients = max(h.stats.PeakClients, n)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client connected", "total", n)
}

func (h *Hub) remove(clients ...*Client) {
	h.mu.Lock()
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send) // writePump sends the close frame
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client disconnected", "total", n)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	h.remove(all...)
}

// fanOut drops clients whose send buffer is full rather than stalling
// the loop on them.
func (h *Hub) fanOut(e *Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode realtime event", "type", e.Type, "error", err)
		return
	}

	h.mu.Lock()
	h.stats.TotalEvents++
	h.mu.Unlock()

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.logger.Warn("dropping slow websocket clients", "count", len(slow))
		h.remove(slow...)
	}
}

// Broadcast queues e without blocking. A full queue drops the event.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "type", e.Type)
	}
}

// InvoiceChanged publishes an invoice change. Suspicious classifications
// go out as their own event type so operators can subscribe to them alone.
func (h *Hub) InvoiceChanged(inv *invoice.Invoice, class escrow.Classification) {
	if inv == nil {
		return
	}
	typ := EventInvoiceChanged
	if class.Suspicious() {
		typ = EventSuspicious
	}
	h.Broadcast(&Event{
		Type:      typ,
		Timestamp: h.now(),
		Data: &InvoiceEvent{
			InvoiceID:      inv.ID,
			PayLinkToken:   inv.PayLinkToken,
			Status:         inv.Status,
			Classification: class,
			Payer:          inv.Onchain.Payer,
			Payee:          inv.Onchain.Payee,
			FundTx:         inv.Onchain.FundTx,
			ReleaseTx:      inv.Onchain.ReleaseTx,
		},
	})
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.stats
	st.ConnectedClients = len(h.clients)
	return st
}

// HandleWebSocket upgrades the request. Query parameters invoice and token
// seed the subscription; the client may replace it at any time by sending
// a Subscription as JSON.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	up := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: h.checkOrigin}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), sub: subscriptionFromQuery(r)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{InvoiceIDs: q["invoice"], PayLinkTokens: q["token"]}
	sub.AllEvents = len(sub.InvoiceIDs) == 0 && len(sub.PayLinkTokens) == 0
	return sub
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(data, &sub) == nil {
			c.resubscribe(sub)
		}
	}
}

func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
