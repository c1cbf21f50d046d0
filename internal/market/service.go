// Package market provides the HTTP handlers and business logic for the
// pari-mutuel betting markets: one pooled market per (match, group),
// accepting bets against either declared side of the match.
//
// All monetary values use shopspring/decimal — never float64 for money.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/metrics"
	"github.com/grouplay/betting-engine/internal/model"
	"github.com/grouplay/betting-engine/internal/store"
	"github.com/grouplay/betting-engine/internal/wallet"
)

var (
	// ErrMarketClosed is returned when the market is deactivated or its
	// match has reached a finished state.
	ErrMarketClosed = errors.New("market: closed for betting")

	// ErrInvalidSide is returned when the chosen side is not one of the
	// two participants competing in the market's match.
	ErrInvalidSide = errors.New("market: chosen side is not competing in this match")

	// ErrInvalidStake is returned for non-positive stakes or stakes with
	// more than two decimal places.
	ErrInvalidStake = errors.New("market: stake must be positive with at most two decimal places")

	// ErrWalletInactive is returned when the bettor's wallet exists but is
	// not in the active status.
	ErrWalletInactive = errors.New("market: wallet is not active")
)

// Service owns bet placement and the derived pool views. Placement is
// serialized per market by a keyed mutex so two bets against the same pool
// cannot interleave their debit and aggregate recompute.
type Service struct {
	store  store.Store
	ledger *wallet.Ledger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a new market service.
func NewService(st store.Store, ledger *wallet.Ledger) *Service {
	return &Service{
		store:  st,
		ledger: ledger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) marketLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// CreateForMatch is the creation hook: it records the collaborator's match
// and creates exactly one active market for its (match, group) pair.
// Replaying the hook is a no-op returning the existing market.
func (s *Service) CreateForMatch(ctx context.Context, m *model.Match) (*model.Market, error) {
	if m.ID == "" || m.GroupID == "" {
		return nil, fmt.Errorf("market: match id and group id are required")
	}
	if m.SideA.IsZero() || m.SideB.IsZero() {
		return nil, fmt.Errorf("market: match must declare both sides")
	}
	if m.SideA.Equal(m.SideB) {
		return nil, fmt.Errorf("market: match sides must differ")
	}

	if err := s.store.UpsertMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("upsert match %s: %w", m.ID, err)
	}

	mkt := &model.Market{
		ID:      uuid.New().String(),
		MatchID: m.ID,
		GroupID: m.GroupID,
		Status:  model.MarketActive,
	}
	if err := s.store.CreateMarket(ctx, mkt); err != nil {
		if errors.Is(err, store.ErrMarketExists) {
			return s.store.GetMarketByMatch(ctx, m.ID, m.GroupID)
		}
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created", "market_id", mkt.ID, "match_id", m.ID, "group_id", m.GroupID)
	return mkt, nil
}

// PlaceBet debits the member's wallet and records the wager. Effect order:
// debit, insert bet, recompute aggregates — a failed debit never produces
// an orphan bet, and a failed insert refunds the exact draw taken.
func (s *Service) PlaceBet(ctx context.Context, marketID, memberID string, side model.Side, stake decimal.Decimal) (*model.Bet, error) {
	// Compare by value, not exponent: "10.000" is a valid two-decimal stake.
	if !stake.IsPositive() || !stake.Equal(stake.Round(2)) {
		metrics.BetRejectionsTotal.WithLabelValues("invalid_stake").Inc()
		return nil, ErrInvalidStake
	}

	mu := s.marketLock(marketID)
	mu.Lock()
	defer mu.Unlock()

	mkt, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if mkt.Status != model.MarketActive {
		metrics.BetRejectionsTotal.WithLabelValues("market_closed").Inc()
		return nil, ErrMarketClosed
	}

	match, err := s.store.GetMatch(ctx, mkt.MatchID)
	if err != nil {
		return nil, err
	}
	if match.Finished() {
		metrics.BetRejectionsTotal.WithLabelValues("market_closed").Inc()
		return nil, ErrMarketClosed
	}
	if !side.Equal(match.SideA) && !side.Equal(match.SideB) {
		metrics.BetRejectionsTotal.WithLabelValues("invalid_side").Inc()
		return nil, ErrInvalidSide
	}

	wal, err := s.store.GetWalletByMember(ctx, mkt.GroupID, memberID)
	if err != nil {
		return nil, err
	}
	if wal.Status != model.WalletActive {
		metrics.BetRejectionsTotal.WithLabelValues("wallet_inactive").Inc()
		return nil, ErrWalletInactive
	}

	draw, err := s.ledger.Debit(ctx, wal.ID, stake)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			metrics.BetRejectionsTotal.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, err
	}

	bet := &model.Bet{
		ID:       uuid.New().String(),
		MarketID: marketID,
		WalletID: wal.ID,
		Stake:    stake,
		Side:     side,
		Status:   model.BetOpen,
		Winnings: decimal.Zero,
	}
	if err := s.store.InsertBet(ctx, bet); err != nil {
		// The stake is already gone from the wallet; put back exactly
		// what was taken, bucket-for-bucket.
		if rerr := s.ledger.Refund(ctx, wal.ID, draw); rerr != nil {
			slog.Error("refund after failed bet insert failed",
				"wallet_id", wal.ID, "bet_id", bet.ID, "err", rerr)
		}
		return nil, fmt.Errorf("insert bet: %w", err)
	}

	metrics.BetsPlacedTotal.WithLabelValues(string(side.Kind)).Inc()
	slog.Info("bet placed",
		"bet_id", bet.ID,
		"market_id", marketID,
		"wallet_id", wal.ID,
		"side", side.Key(),
		"stake", stake.String(),
	)
	return bet, nil
}

// PoolTotals returns the summed stake per side and the overall pool total,
// computed over all bets of the market regardless of status (settled bets
// still count toward the displayed totals).
func (s *Service) PoolTotals(ctx context.Context, marketID string) (map[string]decimal.Decimal, decimal.Decimal, error) {
	bets, err := s.store.BetsByMarket(ctx, marketID)
	if err != nil {
		return nil, decimal.Zero, err
	}

	totals := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, b := range bets {
		totals[b.Side.Key()] = totals[b.Side.Key()].Add(b.Stake)
		total = total.Add(b.Stake)
	}
	return totals, total, nil
}

// Market returns the market by ID.
func (s *Service) Market(ctx context.Context, marketID string) (*model.Market, error) {
	return s.store.GetMarket(ctx, marketID)
}

// ResolveSide maps a participant ID from the wire to the declared side of
// the market's match. The live channel carries only the ID; the kind comes
// from the match declaration.
func (s *Service) ResolveSide(ctx context.Context, marketID, participantID string) (model.Side, error) {
	mkt, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return model.Side{}, err
	}
	match, err := s.store.GetMatch(ctx, mkt.MatchID)
	if err != nil {
		return model.Side{}, err
	}
	switch participantID {
	case match.SideA.ID:
		return match.SideA, nil
	case match.SideB.ID:
		return match.SideB, nil
	}
	return model.Side{}, ErrInvalidSide
}

// MarketForMatch resolves the market opened for a match within its owning
// group.
func (s *Service) MarketForMatch(ctx context.Context, matchID string) (*model.Market, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return s.store.GetMarketByMatch(ctx, matchID, m.GroupID)
}

// Bets returns every bet placed against the market, oldest first.
func (s *Service) Bets(ctx context.Context, marketID string) ([]model.Bet, error) {
	return s.store.BetsByMarket(ctx, marketID)
}

// BetsForMember returns one member's bet history within a market.
func (s *Service) BetsForMember(ctx context.Context, marketID, memberID string) ([]model.Bet, error) {
	mkt, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	wal, err := s.store.GetWalletByMember(ctx, mkt.GroupID, memberID)
	if err != nil {
		return nil, err
	}
	return s.store.BetsByWallet(ctx, marketID, wal.ID)
}

// WalletForMember resolves a member's wallet within the market's group.
func (s *Service) WalletForMember(ctx context.Context, marketID, memberID string) (*model.Wallet, error) {
	mkt, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return s.store.GetWalletByMember(ctx, mkt.GroupID, memberID)
}

// SnapshotEntry is one bet's row in the live pool snapshot.
type SnapshotEntry struct {
	Name    string          `json:"name"`
	Amount  decimal.Decimal `json:"amount"`
	Percent decimal.Decimal `json:"percent"`
	Team    string          `json:"team"`
	Colour  string          `json:"colour"`
}

// Snapshot is the broadcast view of a market: every bet with its share of
// the pool, plus the pool total.
type Snapshot struct {
	Message  []SnapshotEntry `json:"message"`
	TotalBet decimal.Decimal `json:"total_bet"`
}

// Snapshot builds the broadcast view for a market.
func (s *Service) Snapshot(ctx context.Context, marketID string) (*Snapshot, error) {
	bets, err := s.store.BetsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, b := range bets {
		total = total.Add(b.Stake)
	}

	hundred := decimal.NewFromInt(100)
	entries := make([]SnapshotEntry, 0, len(bets))
	for _, b := range bets {
		wal, err := s.store.GetWallet(ctx, b.WalletID)
		if err != nil {
			return nil, err
		}

		percent := decimal.Zero
		if total.IsPositive() {
			percent = b.Stake.Div(total).Mul(hundred).Round(2)
		}

		entries = append(entries, SnapshotEntry{
			Name:    wal.DisplayName,
			Amount:  b.Stake,
			Percent: percent,
			Team:    b.Side.ID,
			Colour:  wal.Colour,
		})
	}

	return &Snapshot{Message: entries, TotalBet: total}, nil
}

// --- HTTP handlers ---

// createMatchRequest is the JSON body for the match creation hook.
type createMatchRequest struct {
	MatchID string     `json:"match_id"`
	GroupID string     `json:"group_id"`
	SideA   model.Side `json:"side_a"`
	SideB   model.Side `json:"side_b"`
}

// HandleCreateMatch handles POST /api/v1/matches — the creation hook for
// collaborators that announce matches over HTTP rather than the event feed.
func (s *Service) HandleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m := &model.Match{
		ID:      req.MatchID,
		GroupID: req.GroupID,
		SideA:   req.SideA,
		SideB:   req.SideB,
		Winner:  model.WinnerUndecided,
		Status:  model.MatchNotStarted,
	}

	mkt, err := s.CreateForMatch(r.Context(), m)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(mkt)
}

// HandleListMarkets handles GET /api/v1/groups/{groupID}/markets
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	markets, err := s.store.MarketsByGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// HandleGetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	mkt, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mkt)
}

// HandleGetPool handles GET /api/v1/markets/{marketID}/pool
func (s *Service) HandleGetPool(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	totals, total, err := s.PoolTotals(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to compute pool totals", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"totals":    totals,
		"total_bet": total,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleGetBets handles GET /api/v1/markets/{marketID}/bets[?member=]
func (s *Service) HandleGetBets(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	var bets []model.Bet
	var err error
	if member := r.URL.Query().Get("member"); member != "" {
		bets, err = s.BetsForMember(ctx, marketID, member)
	} else {
		bets, err = s.Bets(ctx, marketID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load bets", http.StatusInternalServerError)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bets)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
