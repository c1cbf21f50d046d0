package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/grouplay/betting-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// uniqueViolation reports whether err is a unique-constraint violation.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Wallets ---

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO wallets (id, member_id, group_id, display_name, colour,
		                      withdrawable, non_withdrawable, status, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, now(), now())
		 RETURNING created_at, modified_at`,
		w.ID, w.MemberID, w.GroupID, w.DisplayName, w.Colour,
		w.Withdrawable.String(), w.NonWithdrawable.String(), w.Status).
		Scan(&w.CreatedAt, &w.ModifiedAt)
	if uniqueViolation(err) {
		return fmt.Errorf("member %s in group %s: %w", w.MemberID, w.GroupID, ErrWalletExists)
	}
	return err
}

const walletColumns = `id, member_id, group_id, display_name, colour,
	withdrawable::TEXT, non_withdrawable::TEXT, status, created_at, modified_at`

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var withdrawable, nonWithdrawable string

	err := row.Scan(&w.ID, &w.MemberID, &w.GroupID, &w.DisplayName, &w.Colour,
		&withdrawable, &nonWithdrawable, &w.Status, &w.CreatedAt, &w.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	w.Withdrawable, _ = decimal.NewFromString(withdrawable)
	w.NonWithdrawable, _ = decimal.NewFromString(nonWithdrawable)
	return &w, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", id, err)
	}
	return w, nil
}

func (s *PostgresStore) GetWalletByMember(ctx context.Context, groupID, memberID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE group_id = $1 AND member_id = $2`,
		groupID, memberID))
	if err != nil {
		return nil, fmt.Errorf("get wallet for member %s in group %s: %w", memberID, groupID, err)
	}
	return w, nil
}

// DebitWallet locks the wallet row, checks funds, and applies the
// non-withdrawable-first drawdown in one transaction. The row lock is what
// serializes concurrent debits against the same wallet across instances.
func (s *PostgresStore) DebitWallet(ctx context.Context, id string, amount decimal.Decimal) (model.Draw, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Draw{}, err
	}
	defer tx.Rollback(ctx)

	var nonWithdrawableS, withdrawableS string
	err = tx.QueryRow(ctx,
		`SELECT non_withdrawable::TEXT, withdrawable::TEXT
		 FROM wallets WHERE id = $1 FOR UPDATE`, id).
		Scan(&nonWithdrawableS, &withdrawableS)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Draw{}, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Draw{}, err
	}

	nonWithdrawable, _ := decimal.NewFromString(nonWithdrawableS)
	withdrawable, _ := decimal.NewFromString(withdrawableS)

	draw, err := splitDraw(nonWithdrawable, withdrawable, amount)
	if err != nil {
		return model.Draw{}, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallets
		 SET non_withdrawable = $2::NUMERIC, withdrawable = $3::NUMERIC, modified_at = now()
		 WHERE id = $1`,
		id,
		nonWithdrawable.Sub(draw.NonWithdrawable).String(),
		withdrawable.Sub(draw.Withdrawable).String(),
	)
	if err != nil {
		return model.Draw{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Draw{}, err
	}
	return draw, nil
}

func (s *PostgresStore) CreditWallet(ctx context.Context, id string, amount decimal.Decimal, bucket model.Bucket) error {
	column := "withdrawable"
	if bucket == model.BucketNonWithdrawable {
		column = "non_withdrawable"
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets SET `+column+` = `+column+` + $2::NUMERIC, modified_at = now()
		 WHERE id = $1`,
		id, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) RefundWallet(ctx context.Context, id string, draw model.Draw) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets
		 SET withdrawable = withdrawable + $2::NUMERIC,
		     non_withdrawable = non_withdrawable + $3::NUMERIC,
		     modified_at = now()
		 WHERE id = $1`,
		id, draw.Withdrawable.String(), draw.NonWithdrawable.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetWalletStatus(ctx context.Context, id string, status model.WalletStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets SET status = $2, modified_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Matches ---

func (s *PostgresStore) UpsertMatch(ctx context.Context, m *model.Match) error {
	if m.SettlementState == "" {
		m.SettlementState = model.SettlementUnsettled
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO matches (id, group_id, side_a_kind, side_a_id, side_b_kind, side_b_id,
		                      winner, status, settlement_state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET side_a_kind = EXCLUDED.side_a_kind, side_a_id = EXCLUDED.side_a_id,
		     side_b_kind = EXCLUDED.side_b_kind, side_b_id = EXCLUDED.side_b_id,
		     winner = EXCLUDED.winner, status = EXCLUDED.status`,
		m.ID, m.GroupID,
		m.SideA.Kind, m.SideA.ID, m.SideB.Kind, m.SideB.ID,
		m.Winner, m.Status, m.SettlementState)
	return err
}

func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	var m model.Match
	err := s.pool.QueryRow(ctx,
		`SELECT id, group_id, side_a_kind, side_a_id, side_b_kind, side_b_id,
		        winner, status, settlement_state
		 FROM matches WHERE id = $1`, id).
		Scan(&m.ID, &m.GroupID,
			&m.SideA.Kind, &m.SideA.ID, &m.SideB.Kind, &m.SideB.ID,
			&m.Winner, &m.Status, &m.SettlementState)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, err)
	}
	return &m, nil
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO markets (id, match_id, group_id, status, created_at)
		 VALUES ($1, $2, $3, $4, now())
		 RETURNING created_at`,
		m.ID, m.MatchID, m.GroupID, m.Status).
		Scan(&m.CreatedAt)
	if uniqueViolation(err) {
		return fmt.Errorf("match %s in group %s: %w", m.MatchID, m.GroupID, ErrMarketExists)
	}
	return err
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	err := row.Scan(&m.ID, &m.MatchID, &m.GroupID, &m.Status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT id, match_id, group_id, status, created_at FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByMatch(ctx context.Context, matchID, groupID string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT id, match_id, group_id, status, created_at
		 FROM markets WHERE match_id = $1 AND group_id = $2`, matchID, groupID))
	if err != nil {
		return nil, fmt.Errorf("get market for match %s in group %s: %w", matchID, groupID, err)
	}
	return m, nil
}

func (s *PostgresStore) MarketsByGroup(ctx context.Context, groupID string) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, match_id, group_id, status, created_at
		 FROM markets WHERE group_id = $1 ORDER BY created_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list markets for group %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.MatchID, &m.GroupID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Bets ---

func (s *PostgresStore) InsertBet(ctx context.Context, b *model.Bet) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO bets (id, market_id, wallet_id, stake, side_kind, side_id,
		                   status, winnings, created_at, modified_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8::NUMERIC, now(), now())
		 RETURNING created_at, modified_at`,
		b.ID, b.MarketID, b.WalletID, b.Stake.String(),
		b.Side.Kind, b.Side.ID, b.Status, b.Winnings.String()).
		Scan(&b.CreatedAt, &b.ModifiedAt)
}

const betColumns = `id, market_id, wallet_id, stake::TEXT, side_kind, side_id,
	status, winnings::TEXT, created_at, modified_at`

func (s *PostgresStore) BetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) BetsByWallet(ctx context.Context, marketID, walletID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE market_id = $1 AND wallet_id = $2 ORDER BY created_at`, marketID, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var stakeS, winningsS string

		if err := rows.Scan(&b.ID, &b.MarketID, &b.WalletID, &stakeS,
			&b.Side.Kind, &b.Side.ID, &b.Status, &winningsS,
			&b.CreatedAt, &b.ModifiedAt); err != nil {
			return nil, err
		}

		b.Stake, _ = decimal.NewFromString(stakeS)
		b.Winnings, _ = decimal.NewFromString(winningsS)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// --- Settlement ---

func (s *PostgresStore) BeginSettlement(ctx context.Context, matchID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE matches SET settlement_state = $2
		 WHERE id = $1 AND settlement_state = $3`,
		matchID, model.SettlementSettling, model.SettlementUnsettled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AbortSettlement(ctx context.Context, matchID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE matches SET settlement_state = $2
		 WHERE id = $1 AND settlement_state = $3`,
		matchID, model.SettlementUnsettled, model.SettlementSettling)
	return err
}

// ApplySettlement runs the whole payout batch in one transaction: bet
// terminal states, wallet credits for winners, and the match's settled
// markers. Any failure rolls the entire settlement back.
func (s *PostgresStore) ApplySettlement(ctx context.Context, matchID string, payouts []Payout) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, p := range payouts {
		tag, err := tx.Exec(ctx,
			`UPDATE bets SET status = $2, winnings = $3::NUMERIC, modified_at = now()
			 WHERE id = $1 AND status = $4`,
			p.BetID, p.Status, p.Winnings.String(), model.BetOpen)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("bet %s not open: %w", p.BetID, ErrNotFound)
		}

		if p.Status == model.BetPaid {
			tag, err := tx.Exec(ctx,
				`UPDATE wallets SET withdrawable = withdrawable + $2::NUMERIC, modified_at = now()
				 WHERE id = $1`,
				p.WalletID, p.Winnings.String())
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("wallet %s: %w", p.WalletID, ErrNotFound)
			}
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE matches SET settlement_state = $2, status = $3 WHERE id = $1`,
		matchID, model.SettlementSettled, model.MatchFinishedPaid)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
