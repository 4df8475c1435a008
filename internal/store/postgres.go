package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/model"
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

// InitSchema creates the tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			email           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'active',
			total_balance   NUMERIC NOT NULL DEFAULT 0 CHECK (total_balance >= 0),
			trading_balance NUMERIC NOT NULL DEFAULT 0 CHECK (trading_balance >= 0),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS contracts (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			prediction    TEXT NOT NULL,
			stake         NUMERIC NOT NULL,
			entry_price   NUMERIC NOT NULL,
			exit_price    NUMERIC NOT NULL DEFAULT 0,
			outcome       TEXT NOT NULL DEFAULT '',
			pnl           NUMERIC NOT NULL DEFAULT 0,
			state         TEXT NOT NULL,
			opened_at     TIMESTAMPTZ NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS contracts_state_expires_idx
			ON contracts (state, expires_at);
		CREATE TABLE IF NOT EXISTS ledger_entries (
			seq                   BIGSERIAL PRIMARY KEY,
			id                    TEXT NOT NULL UNIQUE,
			user_id               TEXT NOT NULL,
			contract_id           TEXT NOT NULL DEFAULT '',
			kind                  TEXT NOT NULL,
			amount                NUMERIC NOT NULL,
			total_delta           NUMERIC NOT NULL,
			trading_delta         NUMERIC NOT NULL,
			balance_after_total   NUMERIC NOT NULL,
			balance_after_trading NUMERIC NOT NULL,
			outcome               TEXT NOT NULL DEFAULT '',
			reason                TEXT NOT NULL DEFAULT '',
			timestamp             TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS ledger_user_idx ON ledger_entries (user_id, seq);
		CREATE TABLE IF NOT EXISTS funding_requests (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			kind          TEXT NOT NULL,
			amount        NUMERIC NOT NULL,
			crypto_type   TEXT NOT NULL DEFAULT '',
			address       TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			reject_reason TEXT NOT NULL DEFAULT '',
			processed_by  TEXT NOT NULL DEFAULT '',
			processed_at  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, status, total_balance, trading_balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Email, u.Status,
		u.TotalBalance.String(), u.TradingBalance.String(), u.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDuplicateUser
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var total, trading string

	err := s.pool.QueryRow(ctx,
		`SELECT id, email, status, total_balance::TEXT, trading_balance::TEXT, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Status, &total, &trading, &u.CreatedAt)
	if err != nil {
		return nil, model.ErrUnknownUser
	}

	u.TotalBalance, _ = decimal.NewFromString(total)
	u.TradingBalance, _ = decimal.NewFromString(trading)
	return &u, nil
}

func (s *PostgresStore) SetUserStatus(ctx context.Context, id string, status model.UserStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrUnknownUser
	}
	return nil
}

func (s *PostgresStore) GetBalances(ctx context.Context, userID string) (model.Balances, error) {
	var total, trading string
	err := s.pool.QueryRow(ctx,
		`SELECT total_balance::TEXT, trading_balance::TEXT FROM users WHERE id = $1`,
		userID).Scan(&total, &trading)
	if err != nil {
		return model.Balances{}, model.ErrUnknownUser
	}

	var b model.Balances
	b.Total, _ = decimal.NewFromString(total)
	b.Trading, _ = decimal.NewFromString(trading)
	return b, nil
}

func (s *PostgresStore) ApplyBalanceDelta(ctx context.Context, userID string, totalDelta, tradingDelta decimal.Decimal) (model.Balances, error) {
	var total, trading string
	err := s.pool.QueryRow(ctx,
		`UPDATE users
		 SET total_balance   = total_balance + $2::NUMERIC,
		     trading_balance = trading_balance + $3::NUMERIC
		 WHERE id = $1
		   AND total_balance + $2::NUMERIC >= 0
		   AND trading_balance + $3::NUMERIC >= 0
		 RETURNING total_balance::TEXT, trading_balance::TEXT`,
		userID, totalDelta.String(), tradingDelta.String()).
		Scan(&total, &trading)
	if err != nil {
		// Distinguish unknown user from insufficient funds.
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).
			Scan(&exists); qerr != nil {
			return model.Balances{}, fmt.Errorf("apply balance delta for %s: %w", userID, qerr)
		}
		if !exists {
			return model.Balances{}, model.ErrUnknownUser
		}
		return model.Balances{}, model.ErrInsufficientFunds
	}

	var b model.Balances
	b.Total, _ = decimal.NewFromString(total)
	b.Trading, _ = decimal.NewFromString(trading)
	return b, nil
}

func (s *PostgresStore) InsertContract(ctx context.Context, c *model.Contract) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO contracts (id, user_id, instrument_id, prediction, stake,
		        entry_price, exit_price, outcome, pnl, state, opened_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.UserID, c.InstrumentID, c.Prediction,
		c.Stake.String(), c.EntryPrice.String(), c.ExitPrice.String(),
		string(c.Outcome), c.PnL.String(), c.State, c.OpenedAt, c.ExpiresAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDuplicateContract
	}
	return nil
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, instrument_id, prediction,
		        stake::TEXT, entry_price::TEXT, exit_price::TEXT, outcome, pnl::TEXT,
		        state, opened_at, expires_at
		 FROM contracts WHERE id = $1`, id)

	c, err := scanContract(row)
	if err != nil {
		return nil, model.ErrNotFound
	}
	return c, nil
}

func (s *PostgresStore) UpdateContractState(ctx context.Context, id string, from, to model.ContractState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE contracts SET state = $3 WHERE id = $1 AND state = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("update contract %s state: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FinalizeContract(ctx context.Context, id string, exitPrice decimal.Decimal, outcome model.Outcome, pnl decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE contracts
		 SET state = 'settled', exit_price = $2::NUMERIC, outcome = $3, pnl = $4::NUMERIC
		 WHERE id = $1 AND state = 'settling'`,
		id, exitPrice.String(), string(outcome), pnl.String())
	if err != nil {
		return fmt.Errorf("finalize contract %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteContract(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListContractsByState(ctx context.Context, state model.ContractState) ([]model.Contract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instrument_id, prediction,
		        stake::TEXT, entry_price::TEXT, exit_price::TEXT, outcome, pnl::TEXT,
		        state, opened_at, expires_at
		 FROM contracts WHERE state = $1 ORDER BY expires_at`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, user_id, contract_id, kind, amount,
		        total_delta, trading_delta, balance_after_total, balance_after_trading,
		        outcome, reason, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)
		 RETURNING seq`,
		e.ID, e.UserID, e.ContractID, e.Kind, e.Amount.String(),
		e.TotalDelta.String(), e.TradingDelta.String(),
		e.BalanceAfterTotal.String(), e.BalanceAfterTrading.String(),
		string(e.Outcome), e.Reason, e.Timestamp,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) LedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, user_id, contract_id, kind,
		        amount::TEXT, total_delta::TEXT, trading_delta::TEXT,
		        balance_after_total::TEXT, balance_after_trading::TEXT,
		        outcome, reason, timestamp
		 FROM ledger_entries WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) LedgerByContract(ctx context.Context, contractID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, user_id, contract_id, kind,
		        amount::TEXT, total_delta::TEXT, trading_delta::TEXT,
		        balance_after_total::TEXT, balance_after_trading::TEXT,
		        outcome, reason, timestamp
		 FROM ledger_entries WHERE contract_id = $1 ORDER BY seq`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) InsertFundingRequest(ctx context.Context, r *model.FundingRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO funding_requests (id, user_id, kind, amount, crypto_type,
		        address, status, reject_reason, processed_by, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.UserID, r.Kind, r.Amount.String(), r.CryptoType,
		r.Address, r.Status, r.RejectReason, r.ProcessedBy, r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetFundingRequest(ctx context.Context, id string) (*model.FundingRequest, error) {
	var r model.FundingRequest
	var amount string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, kind, amount::TEXT, crypto_type, address,
		        status, reject_reason, processed_by, processed_at, created_at
		 FROM funding_requests WHERE id = $1`, id).
		Scan(&r.ID, &r.UserID, &r.Kind, &amount, &r.CryptoType, &r.Address,
			&r.Status, &r.RejectReason, &r.ProcessedBy, &r.ProcessedAt, &r.CreatedAt)
	if err != nil {
		return nil, model.ErrNotFound
	}

	r.Amount, _ = decimal.NewFromString(amount)
	return &r, nil
}

func (s *PostgresStore) SetFundingRequestStatus(ctx context.Context, id string, status model.FundingStatus, processedBy, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE funding_requests
		 SET status = $2, processed_by = $3, reject_reason = $4, processed_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, status, processedBy, reason)
	if err != nil {
		return fmt.Errorf("set funding request %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListFundingRequests(ctx context.Context, status model.FundingStatus) ([]model.FundingRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, amount::TEXT, crypto_type, address,
		        status, reject_reason, processed_by, processed_at, created_at
		 FROM funding_requests WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []model.FundingRequest
	for rows.Next() {
		var r model.FundingRequest
		var amount string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Kind, &amount, &r.CryptoType,
			&r.Address, &r.Status, &r.RejectReason, &r.ProcessedBy,
			&r.ProcessedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Amount, _ = decimal.NewFromString(amount)
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// pgxRow is the single-row scan interface shared by QueryRow and Query rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanContract(row pgxRow) (*model.Contract, error) {
	var c model.Contract
	var stake, entry, exit, pnl, outcome string

	if err := row.Scan(&c.ID, &c.UserID, &c.InstrumentID, &c.Prediction,
		&stake, &entry, &exit, &outcome, &pnl,
		&c.State, &c.OpenedAt, &c.ExpiresAt); err != nil {
		return nil, err
	}

	c.Stake, _ = decimal.NewFromString(stake)
	c.EntryPrice, _ = decimal.NewFromString(entry)
	c.ExitPrice, _ = decimal.NewFromString(exit)
	c.PnL, _ = decimal.NewFromString(pnl)
	c.Outcome = model.Outcome(outcome)
	return &c, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, totalDelta, tradingDelta, afterTotal, afterTrading, outcome string

		if err := rows.Scan(&e.Seq, &e.ID, &e.UserID, &e.ContractID, &e.Kind,
			&amount, &totalDelta, &tradingDelta,
			&afterTotal, &afterTrading,
			&outcome, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Amount, _ = decimal.NewFromString(amount)
		e.TotalDelta, _ = decimal.NewFromString(totalDelta)
		e.TradingDelta, _ = decimal.NewFromString(tradingDelta)
		e.BalanceAfterTotal, _ = decimal.NewFromString(afterTotal)
		e.BalanceAfterTrading, _ = decimal.NewFromString(afterTrading)
		e.Outcome = model.Outcome(outcome)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
