// Package store defines the persistence interface for the betting engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/model"
)

var (
	// ErrNotFound is returned when a wallet, market, match or bet does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned by DebitWallet when the requested
	// amount exceeds the wallet's bank. The wallet is left unchanged.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrMarketExists is returned by CreateMarket when a market already
	// exists for the (match, group) pair.
	ErrMarketExists = errors.New("store: market already exists for match and group")

	// ErrWalletExists is returned by CreateWallet when a wallet already
	// exists for the (member, group) pair.
	ErrWalletExists = errors.New("store: wallet already exists for member and group")
)

// Payout is one bet's settlement outcome, applied atomically by
// ApplySettlement. Winnings are zero for lost bets.
type Payout struct {
	BetID    string
	WalletID string
	Status   model.BetStatus
	Winnings decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Wallets ---

	// CreateWallet persists a new wallet, enforcing (member, group) uniqueness.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// GetWallet retrieves a wallet by its ID.
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)

	// GetWalletByMember retrieves the wallet for a (group, member) pair.
	GetWalletByMember(ctx context.Context, groupID, memberID string) (*model.Wallet, error)

	// DebitWallet atomically draws amount from the wallet,
	// non-withdrawable bucket first. It returns the split actually drawn,
	// or ErrInsufficientFunds with no partial debit.
	DebitWallet(ctx context.Context, id string, amount decimal.Decimal) (model.Draw, error)

	// CreditWallet atomically adds amount to the named bucket.
	CreditWallet(ctx context.Context, id string, amount decimal.Decimal, bucket model.Bucket) error

	// RefundWallet restores a prior debit's split to both buckets as one
	// atomic operation.
	RefundWallet(ctx context.Context, id string, draw model.Draw) error

	// SetWalletStatus updates a wallet's membership standing. Balances
	// are untouched; deactivation never forfeits funds.
	SetWalletStatus(ctx context.Context, id string, status model.WalletStatus) error

	// --- Matches ---

	// UpsertMatch inserts or refreshes the collaborator's view of a match.
	// The settlement state is owned by the engine and never overwritten
	// on update.
	UpsertMatch(ctx context.Context, m *model.Match) error

	// GetMatch retrieves a match by its ID.
	GetMatch(ctx context.Context, id string) (*model.Match, error)

	// --- Markets ---

	// CreateMarket persists a new market, enforcing (match, group) uniqueness.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketByMatch retrieves the market for a (match, group) pair.
	GetMarketByMatch(ctx context.Context, matchID, groupID string) (*model.Market, error)

	// MarketsByGroup lists a group's markets, oldest first.
	MarketsByGroup(ctx context.Context, groupID string) ([]model.Market, error)

	// SetMarketStatus activates or deactivates a market.
	SetMarketStatus(ctx context.Context, id string, status model.MarketStatus) error

	// --- Bets ---

	// InsertBet appends a new bet record.
	InsertBet(ctx context.Context, b *model.Bet) error

	// BetsByMarket returns all bets for a market, oldest first.
	BetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error)

	// BetsByWallet returns one wallet's bets within a market, oldest first.
	BetsByWallet(ctx context.Context, marketID, walletID string) ([]model.Bet, error)

	// --- Settlement ---

	// BeginSettlement transitions the match unsettled → settling.
	// It returns false when the match is already settling or settled,
	// which is the concurrent-trigger guard against double payment.
	BeginSettlement(ctx context.Context, matchID string) (bool, error)

	// AbortSettlement reverts settling → unsettled so the match can be
	// retried after a failed settlement.
	AbortSettlement(ctx context.Context, matchID string) error

	// ApplySettlement applies every payout (bet status + winnings, wallet
	// credits for paid bets) and marks the match settled and finished_paid,
	// as one atomic unit. A failure leaves no partial settlement behind.
	ApplySettlement(ctx context.Context, matchID string, payouts []Payout) error
}
