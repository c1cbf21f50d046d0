// Package model defines the core domain types shared across the betting engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletStatus tracks a member's standing within a group. Wallets are never
// deleted; a member leaving or being blocked is a status transition.
type WalletStatus string

const (
	WalletActive           WalletStatus = "active"
	WalletDeactivated      WalletStatus = "deactivated"
	WalletSent             WalletStatus = "sent" // invite sent, not yet accepted
	WalletRequestingInvite WalletStatus = "requesting_invite"
	WalletDeclined         WalletStatus = "declined"
	WalletBlockedByGroup   WalletStatus = "blocked_by_group"
	WalletBlockedByUser    WalletStatus = "blocked_by_user"
)

// Wallet holds one member's spendable balance within one group. The balance
// is split into two buckets: winnings and top-ups land in the withdrawable
// bucket, seeded group currency in the non-withdrawable bucket. Stakes are
// drawn non-withdrawable-first. Exactly one wallet exists per (member, group).
type Wallet struct {
	ID              string          `json:"id"`
	MemberID        string          `json:"member_id"`
	GroupID         string          `json:"group_id"`
	DisplayName     string          `json:"display_name"`
	Colour          string          `json:"colour"` // hex, used in live snapshots
	Withdrawable    decimal.Decimal `json:"withdrawable"`
	NonWithdrawable decimal.Decimal `json:"non_withdrawable"`
	Status          WalletStatus    `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ModifiedAt      time.Time       `json:"modified_at"`
}

// Bank is the total spendable balance across both buckets.
func (w *Wallet) Bank() decimal.Decimal {
	return w.Withdrawable.Add(w.NonWithdrawable)
}

// Bucket names one of the two wallet sub-balances.
type Bucket string

const (
	BucketWithdrawable    Bucket = "withdrawable"
	BucketNonWithdrawable Bucket = "non_withdrawable"
)

// Draw records how a debit was split across the two buckets, so a failed
// operation downstream can be compensated bucket-for-bucket.
type Draw struct {
	NonWithdrawable decimal.Decimal `json:"non_withdrawable"`
	Withdrawable    decimal.Decimal `json:"withdrawable"`
}

// Total is the full debited amount.
func (d Draw) Total() decimal.Decimal {
	return d.NonWithdrawable.Add(d.Withdrawable)
}

// SideKind distinguishes the two kinds of match participant.
type SideKind string

const (
	SideTeam   SideKind = "team"
	SideMember SideKind = "member"
)

// Side is the chosen outcome of a bet: one of the two competing teams or
// individual members. The tagged-union shape makes the invalid
// "both team and member" / "neither" states unrepresentable.
type Side struct {
	Kind SideKind `json:"kind"`
	ID   string   `json:"id"`
}

// TeamSide returns the side backed by a team.
func TeamSide(id string) Side { return Side{Kind: SideTeam, ID: id} }

// MemberSide returns the side backed by an individual member.
func MemberSide(id string) Side { return Side{Kind: SideMember, ID: id} }

// IsZero reports whether the side is unset.
func (s Side) IsZero() bool { return s.Kind == "" && s.ID == "" }

// Equal reports whether two sides name the same participant.
func (s Side) Equal(o Side) bool { return s.Kind == o.Kind && s.ID == o.ID }

// Key returns a stable map key, e.g. "team:liquid".
func (s Side) Key() string { return string(s.Kind) + ":" + s.ID }

func (s Side) String() string { return s.Key() }

// MarketStatus is the lifecycle state of a betting market.
type MarketStatus string

const (
	MarketActive      MarketStatus = "active"
	MarketDeactivated MarketStatus = "deactivated"
)

// Market is the pari-mutuel pool scoped to one match within one owning
// group. Exactly one market exists per (match, group); it is created the
// moment the match-lifecycle collaborator announces the match.
type Market struct {
	ID        string       `json:"id"`
	MatchID   string       `json:"match_id"`
	GroupID   string       `json:"group_id"`
	Status    MarketStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// BetStatus is the lifecycle state of a bet. Open transitions to exactly
// one of the terminal states, once, at settlement.
type BetStatus string

const (
	BetOpen BetStatus = "open"
	BetLost BetStatus = "lost"
	BetPaid BetStatus = "paid"
)

// Bet is an individual wager: immutable stake and chosen side, with a
// status/winnings pair mutated exactly once by settlement.
type Bet struct {
	ID         string          `json:"id"`
	MarketID   string          `json:"market_id"`
	WalletID   string          `json:"wallet_id"`
	Stake      decimal.Decimal `json:"stake"`
	Side       Side            `json:"side"`
	Status     BetStatus       `json:"status"`
	Winnings   decimal.Decimal `json:"winnings"` // zero until paid
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// Winner identifies the decided outcome of a match.
type Winner string

const (
	WinnerUndecided Winner = "undecided"
	WinnerSideA     Winner = "side_a"
	WinnerSideB     Winner = "side_b"
)

// MatchStatus mirrors the match-lifecycle collaborator's progression.
type MatchStatus string

const (
	MatchNotStarted           MatchStatus = "not_started"
	MatchStarting             MatchStatus = "starting"
	MatchRunning              MatchStatus = "running"
	MatchFinished             MatchStatus = "finished"
	MatchFinishedNotConfirmed MatchStatus = "finished_not_confirmed"
	MatchFinishedConfirmed    MatchStatus = "finished_confirmed"
	MatchFinishedPaid         MatchStatus = "finished_paid"
)

// SettlementState is the one-shot settlement state machine per match.
type SettlementState string

const (
	SettlementUnsettled SettlementState = "unsettled"
	SettlementSettling  SettlementState = "settling"
	SettlementSettled   SettlementState = "settled"
)

// Match is the external scheduling subsystem's entity, consumed read-only
// here except for the settlement state owned by the engine. A match pits
// SideA against SideB; either may be a team or an individual member.
type Match struct {
	ID              string          `json:"id"`
	GroupID         string          `json:"group_id"`
	SideA           Side            `json:"side_a"`
	SideB           Side            `json:"side_b"`
	Winner          Winner          `json:"winner"`
	Status          MatchStatus     `json:"status"`
	SettlementState SettlementState `json:"settlement_state"`
}

// Finished reports whether the match has reached any finished variant.
// Betting closes the moment this becomes true.
func (m *Match) Finished() bool {
	switch m.Status {
	case MatchFinished, MatchFinishedNotConfirmed, MatchFinishedConfirmed, MatchFinishedPaid:
		return true
	}
	return false
}

// Settleable reports whether the result is confirmed and decided, i.e. the
// settlement engine may run. A finished-but-unconfirmed result is not enough.
func (m *Match) Settleable() bool {
	if m.Winner == WinnerUndecided {
		return false
	}
	return m.Status == MatchFinished || m.Status == MatchFinishedConfirmed
}

// WinningSide resolves the decided winner to the concrete side, or a zero
// Side while undecided.
func (m *Match) WinningSide() Side {
	switch m.Winner {
	case WinnerSideA:
		return m.SideA
	case WinnerSideB:
		return m.SideB
	}
	return Side{}
}
