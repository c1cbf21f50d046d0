package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*model.Wallet
	matches map[string]*model.Match
	markets map[string]*model.Market
	bets    []model.Bet
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*model.Wallet),
		matches: make(map[string]*model.Match),
		markets: make(map[string]*model.Market),
	}
}

// --- Wallets ---

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.wallets {
		if existing.MemberID == w.MemberID && existing.GroupID == w.GroupID {
			return fmt.Errorf("member %s in group %s: %w", w.MemberID, w.GroupID, ErrWalletExists)
		}
	}

	now := time.Now().UTC()
	cp := *w
	cp.CreatedAt = now
	cp.ModifiedAt = now
	s.wallets[w.ID] = &cp
	w.CreatedAt = now
	w.ModifiedAt = now
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWalletByMember(_ context.Context, groupID, memberID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.wallets {
		if w.GroupID == groupID && w.MemberID == memberID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("wallet for member %s in group %s: %w", memberID, groupID, ErrNotFound)
}

func (s *MemoryStore) DebitWallet(_ context.Context, id string, amount decimal.Decimal) (model.Draw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return model.Draw{}, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}

	draw, err := splitDraw(w.NonWithdrawable, w.Withdrawable, amount)
	if err != nil {
		return model.Draw{}, err
	}

	w.NonWithdrawable = w.NonWithdrawable.Sub(draw.NonWithdrawable)
	w.Withdrawable = w.Withdrawable.Sub(draw.Withdrawable)
	w.ModifiedAt = time.Now().UTC()
	return draw, nil
}

func (s *MemoryStore) CreditWallet(_ context.Context, id string, amount decimal.Decimal, bucket model.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}

	switch bucket {
	case model.BucketNonWithdrawable:
		w.NonWithdrawable = w.NonWithdrawable.Add(amount)
	default:
		w.Withdrawable = w.Withdrawable.Add(amount)
	}
	w.ModifiedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RefundWallet(_ context.Context, id string, draw model.Draw) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}

	w.NonWithdrawable = w.NonWithdrawable.Add(draw.NonWithdrawable)
	w.Withdrawable = w.Withdrawable.Add(draw.Withdrawable)
	w.ModifiedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetWalletStatus(_ context.Context, id string, status model.WalletStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	w.Status = status
	w.ModifiedAt = time.Now().UTC()
	return nil
}

// splitDraw computes the non-withdrawable-first split for a debit. Shared by
// the memory and postgres backends so both apply the same drawdown policy.
func splitDraw(nonWithdrawable, withdrawable, amount decimal.Decimal) (model.Draw, error) {
	bank := nonWithdrawable.Add(withdrawable)
	if amount.GreaterThan(bank) {
		return model.Draw{}, ErrInsufficientFunds
	}

	if amount.LessThanOrEqual(nonWithdrawable) {
		return model.Draw{NonWithdrawable: amount, Withdrawable: decimal.Zero}, nil
	}
	return model.Draw{
		NonWithdrawable: nonWithdrawable,
		Withdrawable:    amount.Sub(nonWithdrawable),
	}, nil
}

// --- Matches ---

func (s *MemoryStore) UpsertMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.matches[m.ID]; ok {
		existing.SideA = m.SideA
		existing.SideB = m.SideB
		existing.Winner = m.Winner
		existing.Status = m.Status
		return nil
	}

	cp := *m
	if cp.SettlementState == "" {
		cp.SettlementState = model.SettlementUnsettled
	}
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.MatchID == m.MatchID && existing.GroupID == m.GroupID {
			return fmt.Errorf("match %s in group %s: %w", m.MatchID, m.GroupID, ErrMarketExists)
		}
	}

	cp := *m
	cp.CreatedAt = time.Now().UTC()
	s.markets[m.ID] = &cp
	m.CreatedAt = cp.CreatedAt
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketByMatch(_ context.Context, matchID, groupID string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.MatchID == matchID && m.GroupID == groupID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("market for match %s in group %s: %w", matchID, groupID, ErrNotFound)
}

func (s *MemoryStore) MarketsByGroup(_ context.Context, groupID string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Market
	for _, m := range s.markets {
		if m.GroupID == groupID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SetMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Status = status
	return nil
}

// --- Bets ---

func (s *MemoryStore) InsertBet(_ context.Context, b *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := *b
	cp.CreatedAt = now
	cp.ModifiedAt = now
	s.bets = append(s.bets, cp)
	b.CreatedAt = now
	b.ModifiedAt = now
	return nil
}

func (s *MemoryStore) BetsByMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.MarketID == marketID {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *MemoryStore) BetsByWallet(_ context.Context, marketID, walletID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.MarketID == marketID && b.WalletID == walletID {
			result = append(result, b)
		}
	}
	return result, nil
}

// --- Settlement ---

func (s *MemoryStore) BeginSettlement(_ context.Context, matchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return false, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	if m.SettlementState != model.SettlementUnsettled {
		return false, nil
	}
	m.SettlementState = model.SettlementSettling
	return true, nil
}

func (s *MemoryStore) AbortSettlement(_ context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	if m.SettlementState == model.SettlementSettling {
		m.SettlementState = model.SettlementUnsettled
	}
	return nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, matchID string, payouts []Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}

	// Validate every target first so a bad payout leaves nothing applied.
	betIdx := make(map[string]int, len(s.bets))
	for i := range s.bets {
		betIdx[s.bets[i].ID] = i
	}
	for _, p := range payouts {
		if _, ok := betIdx[p.BetID]; !ok {
			return fmt.Errorf("bet %s: %w", p.BetID, ErrNotFound)
		}
		if p.Status == model.BetPaid {
			if _, ok := s.wallets[p.WalletID]; !ok {
				return fmt.Errorf("wallet %s: %w", p.WalletID, ErrNotFound)
			}
		}
	}

	now := time.Now().UTC()
	for _, p := range payouts {
		i := betIdx[p.BetID]
		s.bets[i].Status = p.Status
		s.bets[i].Winnings = p.Winnings
		s.bets[i].ModifiedAt = now

		if p.Status == model.BetPaid {
			w := s.wallets[p.WalletID]
			w.Withdrawable = w.Withdrawable.Add(p.Winnings)
			w.ModifiedAt = now
		}
	}

	m.SettlementState = model.SettlementSettled
	m.Status = model.MatchFinishedPaid
	return nil
}
