// Package live implements the per-market live update channel: every viewer
// of a market holds a long-lived WebSocket connection through which bets
// and chat arrive, and through which pool snapshots and chat are broadcast
// to the whole room.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/grouplay/betting-engine/internal/market"
	"github.com/grouplay/betting-engine/internal/metrics"
)

// Hub maintains one subscriber room per market. It is constructed once at
// startup and injected wherever broadcasts originate; there is no ambient
// global registry.
type Hub struct {
	markets *market.Service

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// NewHub creates a hub over the market service.
func NewHub(markets *market.Service) *Hub {
	return &Hub{
		markets: markets,
		rooms:   make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.marketID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.marketID] = room
	}
	room[c] = struct{}{}
	metrics.WebSocketClients.Inc()
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.marketID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.marketID)
	}
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// broadcast queues data for every subscriber of the market. Slow clients
// whose send buffer is full are skipped rather than blocking the room.
// Sends happen under the read lock: leave closes a client's send channel
// only under the write lock, so a departing client can never receive a
// send on its closed channel mid-broadcast.
func (h *Hub) broadcast(marketID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[marketID] {
		select {
		case c.send <- data:
		default:
		}
	}
}

// BroadcastSnapshot recomputes the pool snapshot for a market and pushes
// it to every subscriber. Used after state changes that do not originate
// from a connected client, such as settlement.
func (h *Hub) BroadcastSnapshot(ctx context.Context, marketID string) error {
	snap, err := h.markets.Snapshot(ctx, marketID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	h.broadcast(marketID, data)
	return nil
}

// Subscribers reports the current subscriber count for a market.
func (h *Hub) Subscribers(marketID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[marketID])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles GET /api/v1/markets/{marketID}/ws?member={memberID}.
// The member identity is established by the auth collaborator upstream and
// carried here as a query parameter.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	memberID := r.URL.Query().Get("member")

	if _, err := h.markets.Market(r.Context(), marketID); err != nil {
		http.Error(w, "market not found", http.StatusNotFound)
		return
	}

	// Spectators without a wallet may watch and chat under their member ID;
	// their bets will be rejected at placement.
	name := memberID
	if wal, err := h.markets.WalletForMember(r.Context(), marketID, memberID); err == nil {
		name = wal.DisplayName
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "market_id", marketID, "err", err)
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		marketID: marketID,
		memberID: memberID,
		name:     name,
		send:     make(chan []byte, 64),
	}
	h.join(c)
	slog.Info("ws client connected", "market_id", marketID, "member", memberID)

	go c.writePump()
	go c.readPump()
}
