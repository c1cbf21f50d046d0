// Package events consumes match lifecycle events from Kafka and drives the
// betting engine: match_created opens a market, match_finished settles it.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/grouplay/betting-engine/internal/live"
	"github.com/grouplay/betting-engine/internal/market"
	"github.com/grouplay/betting-engine/internal/model"
	"github.com/grouplay/betting-engine/internal/settle"
	cevents "github.com/grouplay/betting-engine/pkg/contracts/events"
	"github.com/grouplay/betting-engine/pkg/contracts/topics"
)

// NewReader builds a consumer-group reader for one topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
}

// Consumer runs the two match-event read loops. Each loop owns one reader
// and retries reads with a short backoff until its context is cancelled.
type Consumer struct {
	Markets *market.Service
	Settler *settle.Engine
	Hub     *live.Hub

	Created  *kafka.Reader
	Finished *kafka.Reader
}

// Run starts both loops and blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	go c.loop(ctx, c.Created, c.handleCreated)
	c.loop(ctx, c.Finished, c.handleFinished)
	return ctx.Err()
}

// Close releases both readers.
func (c *Consumer) Close() error {
	if err := c.Created.Close(); err != nil {
		return err
	}
	return c.Finished.Close()
}

func (c *Consumer) loop(ctx context.Context, r *kafka.Reader, handle func(context.Context, kafka.Message)) {
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("kafka read failed", "topic", r.Config().Topic, "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		handle(ctx, m)
	}
}

func (c *Consumer) handleCreated(ctx context.Context, m kafka.Message) {
	var ev cevents.MatchCreated
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		slog.Warn("invalid message", "topic", topics.MatchCreated, "err", err)
		return
	}

	match := &model.Match{
		ID:      ev.MatchID,
		GroupID: ev.GroupID,
		SideA:   model.Side{Kind: model.SideKind(ev.SideA.Kind), ID: ev.SideA.ID},
		SideB:   model.Side{Kind: model.SideKind(ev.SideB.Kind), ID: ev.SideB.ID},
		Winner:  model.WinnerUndecided,
		Status:  model.MatchNotStarted,
	}
	mk, err := c.Markets.CreateForMatch(ctx, match)
	if err != nil {
		slog.Error("open market failed", "match_id", ev.MatchID, "group_id", ev.GroupID, "err", err)
		return
	}
	slog.Info("market opened", "market_id", mk.ID, "match_id", ev.MatchID, "group_id", ev.GroupID)
}

func (c *Consumer) handleFinished(ctx context.Context, m kafka.Message) {
	var ev cevents.MatchFinished
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		slog.Warn("invalid message", "topic", topics.MatchFinished, "err", err)
		return
	}

	res, err := c.Settler.Decide(ctx, ev.MatchID, model.Winner(ev.Winner), model.MatchStatus(ev.Status))
	if err != nil {
		slog.Error("settlement failed", "match_id", ev.MatchID, "err", err)
		return
	}
	if res.AlreadySettled {
		return
	}

	if c.Hub != nil {
		if mk, err := c.Markets.MarketForMatch(ctx, ev.MatchID); err == nil {
			if err := c.Hub.BroadcastSnapshot(ctx, mk.ID); err != nil {
				slog.Warn("snapshot broadcast failed", "market_id", mk.ID, "err", err)
			}
		}
	}
}
