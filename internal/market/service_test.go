package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/market"
	"github.com/grouplay/betting-engine/internal/model"
	"github.com/grouplay/betting-engine/internal/store"
	"github.com/grouplay/betting-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*market.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	ledger := wallet.NewLedger(ms)
	svc := market.NewService(ms, ledger)

	r := chi.NewRouter()
	r.Post("/api/v1/matches", svc.HandleCreateMatch)
	r.Get("/api/v1/groups/{groupID}/markets", svc.HandleListMarkets)
	r.Get("/api/v1/markets/{marketID}", svc.HandleGetMarket)
	r.Get("/api/v1/markets/{marketID}/pool", svc.HandleGetPool)
	r.Get("/api/v1/markets/{marketID}/bets", svc.HandleGetBets)

	return svc, ms, r
}

// seedMatchMarket creates a team-vs-team match and its market.
func seedMatchMarket(t *testing.T, svc *market.Service) *model.Market {
	t.Helper()
	mkt, err := svc.CreateForMatch(context.Background(), &model.Match{
		ID:      "match1",
		GroupID: "group1",
		SideA:   model.TeamSide("liquid"),
		SideB:   model.TeamSide("navi"),
		Winner:  model.WinnerUndecided,
		Status:  model.MatchNotStarted,
	})
	if err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return mkt
}

// seedWallet creates an active wallet for a member of group1.
func seedWallet(t *testing.T, ms *store.MemoryStore, memberID string, bank float64) *model.Wallet {
	t.Helper()
	w := &model.Wallet{
		ID:              "wallet-" + memberID,
		MemberID:        memberID,
		GroupID:         "group1",
		DisplayName:     memberID,
		Colour:          "#B043FF",
		Withdrawable:    decimal.Zero,
		NonWithdrawable: d(bank),
		Status:          model.WalletActive,
	}
	if err := ms.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}
	return w
}

func TestCreateForMatch_Idempotent(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	first := seedMatchMarket(t, svc)

	// Replaying the creation hook returns the existing market.
	second, err := svc.CreateForMatch(context.Background(), &model.Match{
		ID:      "match1",
		GroupID: "group1",
		SideA:   model.TeamSide("liquid"),
		SideB:   model.TeamSide("navi"),
		Winner:  model.WinnerUndecided,
		Status:  model.MatchNotStarted,
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay created a second market: %s vs %s", second.ID, first.ID)
	}
}

func TestCreateForMatch_RejectsBadSides(t *testing.T) {
	svc, _, _ := newTestEnv(t)

	cases := []struct {
		name         string
		sideA, sideB model.Side
	}{
		{"missing side", model.TeamSide("liquid"), model.Side{}},
		{"identical sides", model.TeamSide("liquid"), model.TeamSide("liquid")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateForMatch(context.Background(), &model.Match{
				ID:      "matchX",
				GroupID: "group1",
				SideA:   tc.sideA,
				SideB:   tc.sideB,
			})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPlaceBet_DebitsAndRecords(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	seedWallet(t, ms, "alice", 100)

	bet, err := svc.PlaceBet(context.Background(), mkt.ID, "alice", model.TeamSide("liquid"), d(30))
	if err != nil {
		t.Fatalf("place bet failed: %v", err)
	}
	if bet.Status != model.BetOpen {
		t.Errorf("expected open bet, got %s", bet.Status)
	}

	w, _ := ms.GetWallet(context.Background(), "wallet-alice")
	if !w.Bank().Equal(d(70)) {
		t.Errorf("expected bank 70 after stake, got %s", w.Bank())
	}

	totals, total, err := svc.PoolTotals(context.Background(), mkt.ID)
	if err != nil {
		t.Fatalf("pool totals failed: %v", err)
	}
	if !total.Equal(d(30)) {
		t.Errorf("expected pool total 30, got %s", total)
	}
	if !totals["team:liquid"].Equal(d(30)) {
		t.Errorf("expected team:liquid total 30, got %s", totals["team:liquid"])
	}
}

func TestPlaceBet_InsufficientFundsLeavesNoTrace(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	seedWallet(t, ms, "alice", 20)

	_, err := svc.PlaceBet(context.Background(), mkt.ID, "alice", model.TeamSide("liquid"), d(20.01))
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	w, _ := ms.GetWallet(context.Background(), "wallet-alice")
	if !w.Bank().Equal(d(20)) {
		t.Errorf("wallet changed on rejected bet: %s", w.Bank())
	}
	bets, _ := svc.Bets(context.Background(), mkt.ID)
	if len(bets) != 0 {
		t.Errorf("rejected bet was recorded: %d bets", len(bets))
	}
}

func TestPlaceBet_RejectsInvalidSide(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	seedWallet(t, ms, "alice", 100)

	// Wrong participant entirely.
	if _, err := svc.PlaceBet(context.Background(), mkt.ID, "alice", model.TeamSide("faze"), d(10)); !errors.Is(err, market.ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
	// Right ID, wrong kind.
	if _, err := svc.PlaceBet(context.Background(), mkt.ID, "alice", model.MemberSide("liquid"), d(10)); !errors.Is(err, market.ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide for kind mismatch, got %v", err)
	}
}

func TestResolveSide(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)

	side, err := svc.ResolveSide(context.Background(), mkt.ID, "navi")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !side.Equal(model.TeamSide("navi")) {
		t.Errorf("unexpected side: %+v", side)
	}

	if _, err := svc.ResolveSide(context.Background(), mkt.ID, "faze"); !errors.Is(err, market.ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
}

func TestPlaceBet_RejectsInvalidStake(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	seedWallet(t, ms, "alice", 100)

	for _, stake := range []decimal.Decimal{decimal.Zero, d(-5), decimal.NewFromFloat(1.001)} {
		if _, err := svc.PlaceBet(context.Background(), mkt.ID, "alice", model.TeamSide("liquid"), stake); !errors.Is(err, market.ErrInvalidStake) {
			t.Errorf("stake %s: expected ErrInvalidStake, got %v", stake, err)
		}
	}

	// Trailing zeros beyond two places are cosmetic; the value rules.
	stake := decimal.RequireFromString("10.000")
	if _, err := svc.PlaceBet(context.Background(), mkt.ID, "alice", model.TeamSide("liquid"), stake); err != nil {
		t.Errorf("stake 10.000: expected acceptance, got %v", err)
	}
}

func TestPlaceBet_ClosedWhenMatchFinished(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	seedWallet(t, ms, "alice", 100)

	m, _ := ms.GetMatch(context.Background(), "match1")
	m.Status = model.MatchFinished
	m.Winner = model.WinnerSideA
	if err := ms.UpsertMatch(context.Background(), m); err != nil {
		t.Fatalf("upsert match: %v", err)
	}

	if _, err := svc.PlaceBet(context.Background(), mkt.ID, "alice", model.TeamSide("liquid"), d(10)); !errors.Is(err, market.ErrMarketClosed) {
		t.Errorf("expected ErrMarketClosed, got %v", err)
	}
}

func TestPlaceBet_RejectsInactiveWallet(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	w := seedWallet(t, ms, "alice", 100)

	if err := ms.SetWalletStatus(context.Background(), w.ID, model.WalletDeactivated); err != nil {
		t.Fatalf("set wallet status: %v", err)
	}

	if _, err := svc.PlaceBet(context.Background(), mkt.ID, "alice", model.TeamSide("liquid"), d(10)); !errors.Is(err, market.ErrWalletInactive) {
		t.Errorf("expected ErrWalletInactive, got %v", err)
	}
}

func TestPlaceBet_ConcurrentSameWalletNeverDoubleSpends(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	seedWallet(t, ms, "alice", 100)

	// 20 concurrent 10-unit bets against a 100 bank: exactly 10 stick.
	var wg sync.WaitGroup
	var mu sync.Mutex
	placed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.PlaceBet(context.Background(), mkt.ID, "alice", model.TeamSide("navi"), d(10)); err == nil {
				mu.Lock()
				placed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if placed != 10 {
		t.Errorf("expected exactly 10 placed bets, got %d", placed)
	}
	bets, _ := svc.Bets(context.Background(), mkt.ID)
	if len(bets) != 10 {
		t.Errorf("expected 10 recorded bets, got %d", len(bets))
	}
	w, _ := ms.GetWallet(context.Background(), "wallet-alice")
	if !w.Bank().IsZero() {
		t.Errorf("expected empty bank, got %s", w.Bank())
	}
}

func TestSnapshot_PercentagesAndIdentity(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	seedWallet(t, ms, "alice", 100)
	seedWallet(t, ms, "bob", 100)

	mustPlace(t, svc, mkt.ID, "alice", model.TeamSide("liquid"), 75)
	mustPlace(t, svc, mkt.ID, "bob", model.TeamSide("navi"), 25)

	snap, err := svc.Snapshot(context.Background(), mkt.ID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snap.TotalBet.Equal(d(100)) {
		t.Errorf("expected total 100, got %s", snap.TotalBet)
	}
	if len(snap.Message) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap.Message))
	}

	first := snap.Message[0]
	if first.Name != "alice" || first.Team != "liquid" || first.Colour != "#B043FF" {
		t.Errorf("unexpected first entry: %+v", first)
	}
	if !first.Percent.Equal(d(75)) {
		t.Errorf("expected 75 percent, got %s", first.Percent)
	}
	if !snap.Message[1].Percent.Equal(d(25)) {
		t.Errorf("expected 25 percent, got %s", snap.Message[1].Percent)
	}
}

func TestHandleCreateMatch_ReturnsMarket(t *testing.T) {
	_, _, router := newTestEnv(t)

	body, _ := json.Marshal(map[string]any{
		"match_id": "match1",
		"group_id": "group1",
		"side_a":   map[string]string{"kind": "team", "id": "liquid"},
		"side_b":   map[string]string{"kind": "team", "id": "navi"},
	})
	req := httptest.NewRequest("POST", "/api/v1/matches", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var mkt model.Market
	json.Unmarshal(w.Body.Bytes(), &mkt)
	if mkt.MatchID != "match1" || mkt.Status != model.MarketActive {
		t.Errorf("unexpected market: %+v", mkt)
	}
}

func TestHandleListMarkets(t *testing.T) {
	svc, _, router := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)

	req := httptest.NewRequest("GET", "/api/v1/groups/group1/markets", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var markets []model.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 1 || markets[0].ID != mkt.ID {
		t.Errorf("unexpected markets: %s", w.Body.String())
	}

	// A group with no markets gets an empty list, not null.
	req = httptest.NewRequest("GET", "/api/v1/groups/other/markets", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestHandleGetPool(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	seedWallet(t, ms, "alice", 100)
	mustPlace(t, svc, mkt.ID, "alice", model.TeamSide("liquid"), 40)

	req := httptest.NewRequest("GET", "/api/v1/markets/"+mkt.ID+"/pool", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Totals   map[string]decimal.Decimal `json:"totals"`
		TotalBet decimal.Decimal            `json:"total_bet"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.TotalBet.Equal(d(40)) || !resp.Totals["team:liquid"].Equal(d(40)) {
		t.Errorf("unexpected pool response: %s", w.Body.String())
	}
}

func TestHandleGetBets_MemberFilter(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	mkt := seedMatchMarket(t, svc)
	seedWallet(t, ms, "alice", 100)
	seedWallet(t, ms, "bob", 100)
	mustPlace(t, svc, mkt.ID, "alice", model.TeamSide("liquid"), 10)
	mustPlace(t, svc, mkt.ID, "bob", model.TeamSide("navi"), 20)

	req := httptest.NewRequest("GET", "/api/v1/markets/"+mkt.ID+"/bets?member=bob", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var bets []model.Bet
	json.Unmarshal(w.Body.Bytes(), &bets)
	if len(bets) != 1 || bets[0].WalletID != "wallet-bob" {
		t.Errorf("unexpected bets: %s", w.Body.String())
	}
}

func mustPlace(t *testing.T, svc *market.Service, marketID, memberID string, side model.Side, stake float64) {
	t.Helper()
	if _, err := svc.PlaceBet(context.Background(), marketID, memberID, side, d(stake)); err != nil {
		t.Fatalf("place bet for %s failed: %v", memberID, err)
	}
}
