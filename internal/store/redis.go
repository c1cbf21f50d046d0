package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: markets, matches and wallets. Writes go to
// the primary store and invalidate the cache; reads check Redis first then
// fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Wallets ---

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.CreateWallet(ctx, w); err != nil {
		return err
	}
	s.cacheJSON(ctx, walletKey(w.ID), w)
	return nil
}

func (s *CachedStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	if s.readJSON(ctx, walletKey(id), &w) {
		return &w, nil
	}

	got, err := s.primary.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, walletKey(id), got)
	return got, nil
}

func (s *CachedStore) GetWalletByMember(ctx context.Context, groupID, memberID string) (*model.Wallet, error) {
	// Cache via (group, member) → walletID mapping.
	walletID, err := s.rdb.Get(ctx, memberKey(groupID, memberID)).Result()
	if err == nil {
		return s.GetWallet(ctx, walletID)
	}

	w, err := s.primary.GetWalletByMember(ctx, groupID, memberID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, walletKey(w.ID), w)
	s.rdb.Set(ctx, memberKey(groupID, memberID), w.ID, s.ttl)
	return w, nil
}

func (s *CachedStore) DebitWallet(ctx context.Context, id string, amount decimal.Decimal) (model.Draw, error) {
	draw, err := s.primary.DebitWallet(ctx, id, amount)
	if err != nil {
		return model.Draw{}, err
	}
	s.rdb.Del(ctx, walletKey(id))
	return draw, nil
}

func (s *CachedStore) CreditWallet(ctx context.Context, id string, amount decimal.Decimal, bucket model.Bucket) error {
	if err := s.primary.CreditWallet(ctx, id, amount, bucket); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(id))
	return nil
}

func (s *CachedStore) RefundWallet(ctx context.Context, id string, draw model.Draw) error {
	if err := s.primary.RefundWallet(ctx, id, draw); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(id))
	return nil
}

func (s *CachedStore) SetWalletStatus(ctx context.Context, id string, status model.WalletStatus) error {
	if err := s.primary.SetWalletStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(id))
	return nil
}

// --- Matches ---

func (s *CachedStore) UpsertMatch(ctx context.Context, m *model.Match) error {
	if err := s.primary.UpsertMatch(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, matchKey(m.ID))
	return nil
}

func (s *CachedStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	var m model.Match
	if s.readJSON(ctx, matchKey(id), &m) {
		return &m, nil
	}

	got, err := s.primary.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, matchKey(id), got)
	return got, nil
}

// --- Markets ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.readJSON(ctx, marketKey(id), &m) {
		return &m, nil
	}

	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(id), got)
	return got, nil
}

func (s *CachedStore) GetMarketByMatch(ctx context.Context, matchID, groupID string) (*model.Market, error) {
	return s.primary.GetMarketByMatch(ctx, matchID, groupID)
}

func (s *CachedStore) MarketsByGroup(ctx context.Context, groupID string) ([]model.Market, error) {
	return s.primary.MarketsByGroup(ctx, groupID)
}

func (s *CachedStore) SetMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	if err := s.primary.SetMarketStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// --- Bets ---

// Per-market bet lists back the pool totals and live snapshots, which are
// re-read on every broadcast. They are cached as a unit and invalidated
// whenever a bet lands or settlement rewrites statuses.

func (s *CachedStore) InsertBet(ctx context.Context, b *model.Bet) error {
	if err := s.primary.InsertBet(ctx, b); err != nil {
		return err
	}
	s.rdb.Del(ctx, betsKey(b.MarketID))
	return nil
}

func (s *CachedStore) BetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	var bets []model.Bet
	if s.readJSON(ctx, betsKey(marketID), &bets) {
		return bets, nil
	}

	bets, err := s.primary.BetsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, betsKey(marketID), bets)
	return bets, nil
}

func (s *CachedStore) BetsByWallet(ctx context.Context, marketID, walletID string) ([]model.Bet, error) {
	return s.primary.BetsByWallet(ctx, marketID, walletID)
}

// --- Settlement ---

func (s *CachedStore) BeginSettlement(ctx context.Context, matchID string) (bool, error) {
	ok, err := s.primary.BeginSettlement(ctx, matchID)
	if err == nil {
		s.rdb.Del(ctx, matchKey(matchID))
	}
	return ok, err
}

func (s *CachedStore) AbortSettlement(ctx context.Context, matchID string) error {
	if err := s.primary.AbortSettlement(ctx, matchID); err != nil {
		return err
	}
	s.rdb.Del(ctx, matchKey(matchID))
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, matchID string, payouts []Payout) error {
	if err := s.primary.ApplySettlement(ctx, matchID, payouts); err != nil {
		return err
	}
	// Settlement touched the match, the bet list and every winning wallet.
	keys := []string{matchKey(matchID)}
	for _, p := range payouts {
		if p.Status == model.BetPaid {
			keys = append(keys, walletKey(p.WalletID))
		}
	}
	if m, err := s.primary.GetMatch(ctx, matchID); err == nil {
		if mkt, err := s.primary.GetMarketByMatch(ctx, matchID, m.GroupID); err == nil {
			keys = append(keys, betsKey(mkt.ID))
		}
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) readJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func walletKey(id string) string { return fmt.Sprintf("wallet:%s", id) }
func matchKey(id string) string  { return fmt.Sprintf("match:%s", id) }
func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func betsKey(marketID string) string {
	return fmt.Sprintf("market:%s:bets", marketID)
}

func memberKey(groupID, memberID string) string {
	return fmt.Sprintf("wallet:member:%s:%s", groupID, memberID)
}
