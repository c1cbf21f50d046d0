// Package wallet provides the ledger over member wallets: atomic debit and
// credit against the two-bucket balance, and the read-only balance surface.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The two sub-balances are never written outside this interface; that is
// what keeps the non-negativity invariant in one place.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/model"
	"github.com/grouplay/betting-engine/internal/store"
)

// ErrInvalidAmount is returned for zero or negative debit/credit amounts.
var ErrInvalidAmount = errors.New("wallet: amount must be positive")

// Ledger serializes balance mutations per wallet. The keyed mutex prevents
// two concurrent debits from the same wallet both passing the funds check
// before either applies (the store's row lock gives the same guarantee at
// the persistence layer; this keeps the memory backend honest too).
type Ledger struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a ledger over the given store.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) walletLock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// Debit draws amount from the wallet, non-withdrawable bucket first, and
// returns the split actually consumed. Fails with
// store.ErrInsufficientFunds when amount exceeds the bank; the wallet is
// unchanged on failure.
func (l *Ledger) Debit(ctx context.Context, walletID string, amount decimal.Decimal) (model.Draw, error) {
	if !amount.IsPositive() {
		return model.Draw{}, ErrInvalidAmount
	}

	mu := l.walletLock(walletID)
	mu.Lock()
	defer mu.Unlock()

	return l.store.DebitWallet(ctx, walletID, amount)
}

// Credit adds amount to the named bucket. Winnings are credited to the
// withdrawable bucket since they derive from realized payouts, not top-ups.
func (l *Ledger) Credit(ctx context.Context, walletID string, amount decimal.Decimal, bucket model.Bucket) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	mu := l.walletLock(walletID)
	mu.Lock()
	defer mu.Unlock()

	return l.store.CreditWallet(ctx, walletID, amount, bucket)
}

// Refund restores a prior debit bucket-for-bucket. Used to compensate a
// debit whose downstream bet persistence failed. Both buckets are restored
// in one store operation so the compensation itself cannot half-apply.
func (l *Ledger) Refund(ctx context.Context, walletID string, draw model.Draw) error {
	mu := l.walletLock(walletID)
	mu.Lock()
	defer mu.Unlock()

	return l.store.RefundWallet(ctx, walletID, draw)
}

// Balance returns the wallet's bank: withdrawable + non-withdrawable.
func (l *Ledger) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Bank(), nil
}

// HandleBalance handles GET /api/v1/groups/{groupID}/members/{memberID}/balance
func (l *Ledger) HandleBalance(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	memberID := chi.URLParam(r, "memberID")

	wal, err := l.store.GetWalletByMember(r.Context(), groupID, memberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "wallet not found", http.StatusNotFound)
			return
		}
		slog.Error("balance lookup failed", "group", groupID, "member", memberID, "err", err)
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"wallet_id": wal.ID,
		"bank":      wal.Bank(),
		"status":    wal.Status,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// SetStatus records a membership standing change. Funds stay in place; a
// wallet that later returns to active keeps its full bank.
func (l *Ledger) SetStatus(ctx context.Context, walletID string, status model.WalletStatus) error {
	mu := l.walletLock(walletID)
	mu.Lock()
	defer mu.Unlock()

	return l.store.SetWalletStatus(ctx, walletID, status)
}

// HandleSetStatus handles PUT /api/v1/wallets/{walletID}/status. Called by
// the membership collaborator when a member leaves, is blocked, or rejoins.
func (l *Ledger) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")

	var req struct {
		Status model.WalletStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := l.SetStatus(r.Context(), walletID, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "wallet not found", http.StatusNotFound)
			return
		}
		slog.Error("wallet status update failed", "wallet_id", walletID, "err", err)
		writeError(w, "failed to update wallet", http.StatusInternalServerError)
		return
	}
	slog.Info("wallet status updated", "wallet_id", walletID, "status", req.Status)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateWallet handles POST /api/v1/wallets. Provisioning entry for
// the membership collaborator; one wallet per (group, member).
func (l *Ledger) HandleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID        string          `json:"member_id"`
		GroupID         string          `json:"group_id"`
		DisplayName     string          `json:"display_name"`
		Colour          string          `json:"colour"`
		NonWithdrawable decimal.Decimal `json:"non_withdrawable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MemberID == "" || req.GroupID == "" {
		writeError(w, "member_id and group_id are required", http.StatusBadRequest)
		return
	}
	if req.NonWithdrawable.IsNegative() {
		writeError(w, "non_withdrawable must not be negative", http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.MemberID
	}

	wal := &model.Wallet{
		ID:              uuid.NewString(),
		MemberID:        req.MemberID,
		GroupID:         req.GroupID,
		DisplayName:     req.DisplayName,
		Colour:          req.Colour,
		Withdrawable:    decimal.Zero,
		NonWithdrawable: req.NonWithdrawable,
		Status:          model.WalletActive,
	}
	if err := l.store.CreateWallet(r.Context(), wal); err != nil {
		if errors.Is(err, store.ErrWalletExists) {
			writeError(w, "wallet already exists for member", http.StatusConflict)
			return
		}
		slog.Error("wallet create failed", "group", req.GroupID, "member", req.MemberID, "err", err)
		writeError(w, "failed to create wallet", http.StatusInternalServerError)
		return
	}
	slog.Info("wallet created", "wallet_id", wal.ID, "group", wal.GroupID, "member", wal.MemberID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(wal)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
