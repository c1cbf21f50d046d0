// Package settle implements the one-shot settlement engine: once a match
// outcome is confirmed, the losing pool is distributed proportionally
// across the winning bets and every bet reaches its terminal state exactly
// once.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Proportional shares are rounded half-even to two decimal places; any
// residual cents from rounding stay unallocated rather than ever letting
// the payouts exceed the pool.
package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/metrics"
	"github.com/grouplay/betting-engine/internal/model"
	"github.com/grouplay/betting-engine/internal/store"
)

var (
	// ErrMatchNotFinished is returned when settlement is triggered before
	// the match has a confirmed, decided result.
	ErrMatchNotFinished = errors.New("settle: match result not confirmed")

	// ErrInvariantViolation indicates the computed payouts would exceed
	// the pool. Settlement halts and the match reverts to unsettled;
	// this is a bug, not an operational condition.
	ErrInvariantViolation = errors.New("settle: payout total exceeds pool")
)

// Result summarizes one settlement run.
type Result struct {
	MatchID        string          `json:"match_id"`
	AlreadySettled bool            `json:"already_settled"`
	Winners        int             `json:"winners"`
	Losers         int             `json:"losers"`
	PaidOut        decimal.Decimal `json:"paid_out"`
}

// Engine settles matches. A per-match mutex plus the store's
// unsettled→settling compare-and-set guarantee the payout loop runs at
// most once per match, no matter how many triggers race.
type Engine struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a settlement engine over the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) matchLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	return m
}

// Settle distributes the match's pools. Re-entrant calls on an already
// settled (or in-flight) match are no-ops reporting AlreadySettled.
func (e *Engine) Settle(ctx context.Context, matchID string) (*Result, error) {
	mu := e.matchLock(matchID)
	mu.Lock()
	defer mu.Unlock()

	return e.settleLocked(ctx, matchID)
}

// settleLocked is the settlement body. The caller holds the per-match lock.
func (e *Engine) settleLocked(ctx context.Context, matchID string) (*Result, error) {
	start := time.Now()

	match, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.SettlementState == model.SettlementSettled {
		return &Result{MatchID: matchID, AlreadySettled: true}, nil
	}
	if !match.Settleable() {
		return nil, fmt.Errorf("%w: status=%s winner=%s", ErrMatchNotFinished, match.Status, match.Winner)
	}

	began, err := e.store.BeginSettlement(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !began {
		// Another trigger won the race.
		return &Result{MatchID: matchID, AlreadySettled: true}, nil
	}

	result, err := e.run(ctx, match)
	if err != nil {
		// Never leave the match stuck in settling; unsettled is retryable.
		if aerr := e.store.AbortSettlement(ctx, matchID); aerr != nil {
			slog.Error("settlement abort failed", "match_id", matchID, "err", aerr)
		}
		return nil, err
	}

	metrics.SettlementsTotal.Inc()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	slog.Info("match settled",
		"match_id", matchID,
		"winners", result.Winners,
		"losers", result.Losers,
		"paid_out", result.PaidOut.String(),
	)
	return result, nil
}

// Decide records the match outcome reported by the lifecycle collaborator
// and then settles. The per-match lock is held across both steps, so a
// racing trigger can neither settle between the recording and the payout
// run nor rewrite an outcome that has already been paid.
func (e *Engine) Decide(ctx context.Context, matchID string, winner model.Winner, status model.MatchStatus) (*Result, error) {
	mu := e.matchLock(matchID)
	mu.Lock()
	defer mu.Unlock()

	match, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.SettlementState == model.SettlementSettled {
		return &Result{MatchID: matchID, AlreadySettled: true}, nil
	}

	match.Winner = winner
	match.Status = status
	if err := e.store.UpsertMatch(ctx, match); err != nil {
		return nil, err
	}
	return e.settleLocked(ctx, matchID)
}

// run executes the payout computation and applies it atomically. The match
// is already in the settling state when this is called.
func (e *Engine) run(ctx context.Context, match *model.Match) (*Result, error) {
	mkt, err := e.store.GetMarketByMatch(ctx, match.ID, match.GroupID)
	if err != nil {
		return nil, err
	}

	bets, err := e.store.BetsByMarket(ctx, mkt.ID)
	if err != nil {
		return nil, err
	}

	winner := match.WinningSide()

	var winning, losing []model.Bet
	poolWin, poolLoss := decimal.Zero, decimal.Zero
	for _, b := range bets {
		if b.Side.Equal(winner) {
			winning = append(winning, b)
			poolWin = poolWin.Add(b.Stake)
		} else {
			losing = append(losing, b)
			poolLoss = poolLoss.Add(b.Stake)
		}
	}

	payouts := make([]store.Payout, 0, len(bets))
	paidOut := decimal.Zero

	// With nobody on the winning side there is no distribution: the
	// winning partition is empty, every bet loses, and the pool stays
	// where placement left it.
	remaining := poolLoss
	for _, b := range winning {
		share := poolLoss.Mul(b.Stake).Div(poolWin).RoundBank(2)
		if share.GreaterThan(remaining) {
			share = remaining
		}
		remaining = remaining.Sub(share)

		winnings := b.Stake.Add(share)
		paidOut = paidOut.Add(winnings)
		payouts = append(payouts, store.Payout{
			BetID:    b.ID,
			WalletID: b.WalletID,
			Status:   model.BetPaid,
			Winnings: winnings,
		})
	}

	for _, b := range losing {
		payouts = append(payouts, store.Payout{
			BetID:    b.ID,
			WalletID: b.WalletID,
			Status:   model.BetLost,
			Winnings: decimal.Zero,
		})
	}

	if paidOut.GreaterThan(poolWin.Add(poolLoss)) {
		return nil, fmt.Errorf("%w: paid=%s pool=%s",
			ErrInvariantViolation, paidOut, poolWin.Add(poolLoss))
	}

	if err := e.store.ApplySettlement(ctx, match.ID, payouts); err != nil {
		return nil, fmt.Errorf("apply settlement for match %s: %w", match.ID, err)
	}

	// The pool is distributed; the market takes no further bets.
	if err := e.store.SetMarketStatus(ctx, mkt.ID, model.MarketDeactivated); err != nil {
		slog.Warn("market deactivation failed", "market_id", mkt.ID, "err", err)
	} else {
		metrics.ActiveMarkets.Dec()
	}

	return &Result{
		MatchID: match.ID,
		Winners: len(winning),
		Losers:  len(losing),
		PaidOut: paidOut,
	}, nil
}

// HandleSettle handles POST /api/v1/matches/{matchID}/settle — the
// settlement trigger for admin actions and scheduled jobs.
func (e *Engine) HandleSettle(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")

	result, err := e.Settle(r.Context(), matchID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, "match not found", http.StatusNotFound)
		case errors.Is(err, ErrMatchNotFinished):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			slog.Error("settlement failed", "match_id", matchID, "err", err)
			writeError(w, "settlement failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
