package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/market"
	"github.com/grouplay/betting-engine/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	maxChatLen     = 1024
)

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	marketID string
	memberID string
	name     string
	send     chan []byte
}

// inbound is the single client-to-server frame shape. Exactly one of the
// bet field pair or chat_message is expected to be set. The chosen side
// travels as the participant ID and is resolved against the match's
// declared sides before placement.
type inbound struct {
	ChosenSide  *string          `json:"chosen_side,omitempty"`
	Stake       *decimal.Decimal `json:"stake,omitempty"`
	ChatMessage *string          `json:"chat_message,omitempty"`
}

type chatFrame struct {
	Message  string `json:"message"`
	ChatUser string `json:"chat_user"`
}

type errorFrame struct {
	Error string `json:"error"`
}

func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
		slog.Info("ws client disconnected", "market_id", c.marketID, "member", c.memberID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("ws read error", "market_id", c.marketID, "err", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *client) handleMessage(data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.sendError("malformed message")
		return
	}

	switch {
	case in.ChatMessage != nil:
		c.handleChat(*in.ChatMessage)
	case in.ChosenSide != nil && in.Stake != nil:
		c.handleBet(*in.ChosenSide, *in.Stake)
	default:
		c.sendError("malformed message")
	}
}

func (c *client) handleChat(msg string) {
	if msg == "" || len(msg) > maxChatLen {
		c.sendError("invalid chat message")
		return
	}
	data, err := json.Marshal(chatFrame{Message: msg, ChatUser: c.name})
	if err != nil {
		return
	}
	c.hub.broadcast(c.marketID, data)
}

func (c *client) handleBet(chosenSide string, stake decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	side, err := c.hub.markets.ResolveSide(ctx, c.marketID, chosenSide)
	if err != nil {
		c.sendError(betErrorMessage(err))
		return
	}
	if _, err := c.hub.markets.PlaceBet(ctx, c.marketID, c.memberID, side, stake); err != nil {
		c.sendError(betErrorMessage(err))
		return
	}

	snap, err := c.hub.markets.Snapshot(ctx, c.marketID)
	if err != nil {
		slog.Error("snapshot failed", "market_id", c.marketID, "err", err)
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.hub.broadcast(c.marketID, data)
}

// betErrorMessage maps placement failures to the message the requesting
// connection sees. Internal detail stays in the logs.
func betErrorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return "insufficient funds"
	case errors.Is(err, market.ErrMarketClosed):
		return "market is closed"
	case errors.Is(err, market.ErrInvalidSide):
		return "invalid side"
	case errors.Is(err, market.ErrInvalidStake):
		return "invalid stake"
	case errors.Is(err, market.ErrWalletInactive):
		return "wallet is not active"
	case errors.Is(err, store.ErrNotFound):
		return "no wallet for member"
	default:
		return "bet failed"
	}
}

// sendError reports a failure to the requesting connection only. Unlike a
// broadcast, the frame waits out a full send buffer: the requester must see
// why its own message failed.
func (c *client) sendError(msg string) {
	data, err := json.Marshal(errorFrame{Error: msg})
	if err != nil {
		return
	}
	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case c.send <- data:
	case <-t.C:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
