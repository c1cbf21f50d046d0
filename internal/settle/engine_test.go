package settle_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/market"
	"github.com/grouplay/betting-engine/internal/model"
	"github.com/grouplay/betting-engine/internal/settle"
	"github.com/grouplay/betting-engine/internal/store"
	"github.com/grouplay/betting-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	ms      *store.MemoryStore
	markets *market.Service
	engine  *settle.Engine
	mkt     *model.Market
}

// newEnv seeds a liquid-vs-navi match with its market.
func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	ledger := wallet.NewLedger(ms)
	markets := market.NewService(ms, ledger)

	mkt, err := markets.CreateForMatch(context.Background(), &model.Match{
		ID:      "match1",
		GroupID: "group1",
		SideA:   model.TeamSide("liquid"),
		SideB:   model.TeamSide("navi"),
		Winner:  model.WinnerUndecided,
		Status:  model.MatchNotStarted,
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}

	return &env{
		ms:      ms,
		markets: markets,
		engine:  settle.NewEngine(ms),
		mkt:     mkt,
	}
}

func (e *env) seedWallet(t *testing.T, memberID string, bank float64) {
	t.Helper()
	w := &model.Wallet{
		ID:              "wallet-" + memberID,
		MemberID:        memberID,
		GroupID:         "group1",
		DisplayName:     memberID,
		Withdrawable:    decimal.Zero,
		NonWithdrawable: d(bank),
		Status:          model.WalletActive,
	}
	if err := e.ms.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func (e *env) bet(t *testing.T, memberID string, side model.Side, stake float64) {
	t.Helper()
	if _, err := e.markets.PlaceBet(context.Background(), e.mkt.ID, memberID, side, d(stake)); err != nil {
		t.Fatalf("place bet for %s: %v", memberID, err)
	}
}

func (e *env) finish(t *testing.T, winner model.Winner) {
	t.Helper()
	m, err := e.ms.GetMatch(context.Background(), "match1")
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	m.Winner = winner
	m.Status = model.MatchFinishedConfirmed
	if err := e.ms.UpsertMatch(context.Background(), m); err != nil {
		t.Fatalf("upsert match: %v", err)
	}
}

func (e *env) bank(t *testing.T, memberID string) decimal.Decimal {
	t.Helper()
	w, err := e.ms.GetWallet(context.Background(), "wallet-"+memberID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w.Bank()
}

func TestSettle_ProportionalPayout(t *testing.T) {
	e := newEnv(t)
	e.seedWallet(t, "alice", 100)
	e.seedWallet(t, "bob", 100)
	e.seedWallet(t, "carol", 100)

	// Winning pool 30 (alice 20, bob 10); losing pool 60 (carol).
	e.bet(t, "alice", model.TeamSide("liquid"), 20)
	e.bet(t, "bob", model.TeamSide("liquid"), 10)
	e.bet(t, "carol", model.TeamSide("navi"), 60)
	e.finish(t, model.WinnerSideA)

	res, err := e.engine.Settle(context.Background(), "match1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if res.AlreadySettled {
		t.Fatal("fresh settlement reported AlreadySettled")
	}
	if res.Winners != 2 || res.Losers != 1 {
		t.Errorf("expected 2 winners and 1 loser, got %d/%d", res.Winners, res.Losers)
	}
	// Winners split the losing pool pro rata: alice 20+40, bob 10+20.
	if !res.PaidOut.Equal(d(90)) {
		t.Errorf("expected 90 paid out, got %s", res.PaidOut)
	}

	// alice: 100 - 20 stake + 60 winnings = 140.
	if got := e.bank(t, "alice"); !got.Equal(d(140)) {
		t.Errorf("alice bank: expected 140, got %s", got)
	}
	if got := e.bank(t, "bob"); !got.Equal(d(120)) {
		t.Errorf("bob bank: expected 120, got %s", got)
	}
	if got := e.bank(t, "carol"); !got.Equal(d(40)) {
		t.Errorf("carol bank: expected 40, got %s", got)
	}

	// Bet statuses and winnings.
	bets, _ := e.ms.BetsByMarket(context.Background(), e.mkt.ID)
	for _, b := range bets {
		switch b.WalletID {
		case "wallet-alice":
			if b.Status != model.BetPaid || !b.Winnings.Equal(d(60)) {
				t.Errorf("alice bet: %s winnings %s", b.Status, b.Winnings)
			}
		case "wallet-carol":
			if b.Status != model.BetLost || !b.Winnings.IsZero() {
				t.Errorf("carol bet: %s winnings %s", b.Status, b.Winnings)
			}
		}
	}

	m, _ := e.ms.GetMatch(context.Background(), "match1")
	if m.SettlementState != model.SettlementSettled || m.Status != model.MatchFinishedPaid {
		t.Errorf("match not marked settled/paid: %s/%s", m.SettlementState, m.Status)
	}
}

func TestSettle_WinningsCreditWithdrawable(t *testing.T) {
	e := newEnv(t)
	e.seedWallet(t, "alice", 50)
	e.seedWallet(t, "bob", 50)

	e.bet(t, "alice", model.TeamSide("liquid"), 10)
	e.bet(t, "bob", model.TeamSide("navi"), 10)
	e.finish(t, model.WinnerSideA)

	if _, err := e.engine.Settle(context.Background(), "match1"); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	// Stakes drew from non-withdrawable; the 20 in winnings land
	// withdrawable.
	w, _ := e.ms.GetWallet(context.Background(), "wallet-alice")
	if !w.Withdrawable.Equal(d(20)) {
		t.Errorf("expected 20 withdrawable, got %s", w.Withdrawable)
	}
	if !w.NonWithdrawable.Equal(d(40)) {
		t.Errorf("expected 40 non-withdrawable, got %s", w.NonWithdrawable)
	}
}

func TestSettle_RoundingNeverExceedsPool(t *testing.T) {
	e := newEnv(t)
	e.seedWallet(t, "alice", 100)
	e.seedWallet(t, "bob", 100)
	e.seedWallet(t, "carol", 100)
	e.seedWallet(t, "dave", 100)

	// Three-way split of 10.00 forces rounding on every share.
	e.bet(t, "alice", model.TeamSide("liquid"), 1)
	e.bet(t, "bob", model.TeamSide("liquid"), 1)
	e.bet(t, "carol", model.TeamSide("liquid"), 1)
	e.bet(t, "dave", model.TeamSide("navi"), 10)
	e.finish(t, model.WinnerSideA)

	res, err := e.engine.Settle(context.Background(), "match1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	pool := d(13)
	if res.PaidOut.GreaterThan(pool) {
		t.Errorf("paid out %s exceeds pool %s", res.PaidOut, pool)
	}

	// Each share rounds to 3.33; 0.01 of the losing pool stays
	// unallocated.
	bets, _ := e.ms.BetsByMarket(context.Background(), e.mkt.ID)
	for _, b := range bets {
		if b.Status != model.BetPaid {
			continue
		}
		if !b.Winnings.Equal(d(4.33)) {
			t.Errorf("expected winnings 4.33, got %s", b.Winnings)
		}
	}
}

func TestSettle_EmptyWinningSideLosesAll(t *testing.T) {
	e := newEnv(t)
	e.seedWallet(t, "alice", 100)
	e.seedWallet(t, "bob", 100)

	// Everyone backed navi; liquid wins.
	e.bet(t, "alice", model.TeamSide("navi"), 30)
	e.bet(t, "bob", model.TeamSide("navi"), 20)
	e.finish(t, model.WinnerSideA)

	res, err := e.engine.Settle(context.Background(), "match1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if res.Winners != 0 || res.Losers != 2 {
		t.Errorf("expected 0 winners and 2 losers, got %d/%d", res.Winners, res.Losers)
	}
	if !res.PaidOut.IsZero() {
		t.Errorf("expected zero paid out, got %s", res.PaidOut)
	}
	if got := e.bank(t, "alice"); !got.Equal(d(70)) {
		t.Errorf("alice bank: expected 70, got %s", got)
	}
}

func TestSettle_NoBetsIsClean(t *testing.T) {
	e := newEnv(t)
	e.finish(t, model.WinnerSideB)

	res, err := e.engine.Settle(context.Background(), "match1")
	if err != nil {
		t.Fatalf("settle of empty market failed: %v", err)
	}
	if res.Winners != 0 || res.Losers != 0 || !res.PaidOut.IsZero() {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestSettle_UnfinishedMatchRefused(t *testing.T) {
	e := newEnv(t)

	if _, err := e.engine.Settle(context.Background(), "match1"); !errors.Is(err, settle.ErrMatchNotFinished) {
		t.Errorf("expected ErrMatchNotFinished, got %v", err)
	}

	// Finished status without a decided winner is still not settleable.
	m, _ := e.ms.GetMatch(context.Background(), "match1")
	m.Status = model.MatchFinished
	e.ms.UpsertMatch(context.Background(), m)

	if _, err := e.engine.Settle(context.Background(), "match1"); !errors.Is(err, settle.ErrMatchNotFinished) {
		t.Errorf("expected ErrMatchNotFinished for undecided winner, got %v", err)
	}
}

func TestSettle_SecondCallIsNoOp(t *testing.T) {
	e := newEnv(t)
	e.seedWallet(t, "alice", 100)
	e.seedWallet(t, "bob", 100)
	e.bet(t, "alice", model.TeamSide("liquid"), 10)
	e.bet(t, "bob", model.TeamSide("navi"), 10)
	e.finish(t, model.WinnerSideA)

	if _, err := e.engine.Settle(context.Background(), "match1"); err != nil {
		t.Fatalf("first settle failed: %v", err)
	}
	aliceAfter := e.bank(t, "alice")

	res, err := e.engine.Settle(context.Background(), "match1")
	if err != nil {
		t.Fatalf("second settle errored: %v", err)
	}
	if !res.AlreadySettled {
		t.Error("second settle did not report AlreadySettled")
	}
	if got := e.bank(t, "alice"); !got.Equal(aliceAfter) {
		t.Errorf("second settle moved money: %s vs %s", got, aliceAfter)
	}
}

func TestSettle_ConcurrentTriggersPayOnce(t *testing.T) {
	e := newEnv(t)
	e.seedWallet(t, "alice", 100)
	e.seedWallet(t, "bob", 100)
	e.bet(t, "alice", model.TeamSide("liquid"), 10)
	e.bet(t, "bob", model.TeamSide("navi"), 10)
	e.finish(t, model.WinnerSideA)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.engine.Settle(context.Background(), "match1")
			if err != nil {
				t.Errorf("concurrent settle errored: %v", err)
				return
			}
			if !res.AlreadySettled {
				mu.Lock()
				ran++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ran != 1 {
		t.Errorf("expected exactly one settlement run, got %d", ran)
	}
	// alice: 100 - 10 + 20 = 110, paid exactly once.
	if got := e.bank(t, "alice"); !got.Equal(d(110)) {
		t.Errorf("alice bank: expected 110, got %s", got)
	}
}

func TestDecide_RecordsOutcomeAndSettles(t *testing.T) {
	e := newEnv(t)
	e.seedWallet(t, "alice", 100)
	e.seedWallet(t, "bob", 100)
	e.bet(t, "alice", model.TeamSide("liquid"), 10)
	e.bet(t, "bob", model.TeamSide("navi"), 40)

	res, err := e.engine.Decide(context.Background(), "match1", model.WinnerSideB, model.MatchFinishedConfirmed)
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if res.Winners != 1 || res.Losers != 1 {
		t.Errorf("expected 1 winner and 1 loser, got %d/%d", res.Winners, res.Losers)
	}
	// bob: 100 - 40 + 50 = 110.
	if got := e.bank(t, "bob"); !got.Equal(d(110)) {
		t.Errorf("bob bank: expected 110, got %s", got)
	}
}

func TestDecide_ConcurrentDeliveriesKeepPaidOutcome(t *testing.T) {
	e := newEnv(t)
	e.seedWallet(t, "alice", 100)
	e.seedWallet(t, "bob", 100)
	e.bet(t, "alice", model.TeamSide("liquid"), 10)
	e.bet(t, "bob", model.TeamSide("navi"), 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.engine.Decide(context.Background(), "match1", model.WinnerSideA, model.MatchFinishedConfirmed)
			if err != nil {
				t.Errorf("concurrent decide errored: %v", err)
				return
			}
			if !res.AlreadySettled {
				mu.Lock()
				ran++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ran != 1 {
		t.Errorf("expected exactly one settlement run, got %d", ran)
	}
	if got := e.bank(t, "alice"); !got.Equal(d(110)) {
		t.Errorf("alice bank: expected 110, got %s", got)
	}

	// A late redelivery with a different result must not rewrite what
	// was already paid.
	res, err := e.engine.Decide(context.Background(), "match1", model.WinnerSideB, model.MatchFinishedConfirmed)
	if err != nil {
		t.Fatalf("late decide: %v", err)
	}
	if !res.AlreadySettled {
		t.Error("late decide triggered a second settlement")
	}
	m, err := e.ms.GetMatch(context.Background(), "match1")
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.Winner != model.WinnerSideA {
		t.Errorf("winner rewritten after payout: got %s", m.Winner)
	}
	if m.Status != model.MatchFinishedPaid {
		t.Errorf("match status: expected %s, got %s", model.MatchFinishedPaid, m.Status)
	}
	if m.SettlementState != model.SettlementSettled {
		t.Errorf("settlement state: expected settled, got %s", m.SettlementState)
	}
}
