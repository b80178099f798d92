package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fanvault.io/internal/ids"
	"fanvault.io/internal/ledger"
)

// Store is the durable ledger implementation. All money movement happens in a
// single serializable transaction with sorted row locks.
type Store struct {
	db *sql.DB
}

var _ ledger.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool (used by tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateAccount(ctx context.Context, initial int64) (ledger.Account, error) {
	if initial < 0 {
		return ledger.Account{}, ledger.ErrInvalidAmount
	}
	id := ids.New("acct")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into accounts(id, available, withheld, created_at)
		values ($1, $2, 0, now())
	`, id, initial); err != nil {
		return ledger.Account{}, err
	}
	if initial > 0 {
		if err := insertEntry(ctx, tx, id, initial, ledger.ActionSignupBonus, ids.New("txn"), nil); err != nil {
			return ledger.Account{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}

	return ledger.Account{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Available: initial,
	}, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	var acc ledger.Account
	err := s.db.QueryRowContext(ctx, `
		select id, available, withheld, created_at from accounts where id=$1
	`, id).Scan(&acc.ID, &acc.Available, &acc.Withheld, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

func (s *Store) Transfer(ctx context.Context, fromID, toID string, amount int64, action ledger.Action, meta map[string]string, idemKey string) (ledger.Transfer, error) {
	if amount <= 0 {
		return ledger.Transfer{}, ledger.ErrInvalidAmount
	}
	if fromID == toID {
		return ledger.Transfer{}, ledger.ErrSameAccount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: return the stored transfer if idemKey was already settled
	if idemKey != "" {
		if stored, found, err := lookupIdem(ctx, tx, idemKey); err != nil {
			return ledger.Transfer{}, err
		} else if found {
			return stored, nil
		}
	}

	// Lock both accounts in stable order to avoid deadlocks
	var fromAvail int64
	for _, acc := range sorted(fromID, toID) {
		var avail int64
		err := tx.QueryRowContext(ctx, `
			select available from accounts where id=$1 for update
		`, acc).Scan(&avail)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transfer{}, ledger.ErrNotFound
		}
		if err != nil {
			return ledger.Transfer{}, err
		}
		if acc == fromID {
			fromAvail = avail
		}
	}
	if fromAvail < amount {
		return ledger.Transfer{}, &ledger.InsufficientFundsError{
			AccountID: fromID,
			Available: fromAvail,
			Required:  amount,
		}
	}

	if _, err := tx.ExecContext(ctx, `
		update accounts set available = available - $2 where id=$1
	`, fromID, amount); err != nil {
		return ledger.Transfer{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set available = available + $2 where id=$1
	`, toID, amount); err != nil {
		return ledger.Transfer{}, err
	}

	corr := ids.New("txn")
	var seq uint64
	if err := tx.QueryRowContext(ctx, `
		insert into transfers(id, from_account_id, to_account_id, amount, action, idempotency_key)
		values ($1,$2,$3,$4,$5,nullif($6,'')) returning sequence
	`, corr, fromID, toID, amount, string(action), idemKey).Scan(&seq); err != nil {
		return ledger.Transfer{}, err
	}
	if err := insertEntry(ctx, tx, fromID, -amount, action, corr, meta); err != nil {
		return ledger.Transfer{}, err
	}
	if err := insertEntry(ctx, tx, toID, amount, action, corr, meta); err != nil {
		return ledger.Transfer{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Transfer{}, err
	}

	return ledger.Transfer{
		ID:             corr,
		CreatedAt:      time.Now().UTC(),
		FromID:         fromID,
		ToID:           toID,
		Amount:         amount,
		Action:         action,
		IdempotencyKey: idemKey,
		Sequence:       seq,
	}, nil
}

func (s *Store) Credit(ctx context.Context, toID string, amount int64, action ledger.Action, meta map[string]string, idemKey string) (ledger.Transfer, error) {
	if amount <= 0 {
		return ledger.Transfer{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if idemKey != "" {
		if stored, found, err := lookupIdem(ctx, tx, idemKey); err != nil {
			return ledger.Transfer{}, err
		} else if found {
			return stored, nil
		}
	}

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from accounts where id=$1 for update`, toID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transfer{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transfer{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update accounts set available = available + $2 where id=$1
	`, toID, amount); err != nil {
		return ledger.Transfer{}, err
	}

	corr := ids.New("txn")
	var seq uint64
	if err := tx.QueryRowContext(ctx, `
		insert into transfers(id, from_account_id, to_account_id, amount, action, idempotency_key)
		values ($1,null,$2,$3,$4,nullif($5,'')) returning sequence
	`, corr, toID, amount, string(action), idemKey).Scan(&seq); err != nil {
		return ledger.Transfer{}, err
	}
	if err := insertEntry(ctx, tx, toID, amount, action, corr, meta); err != nil {
		return ledger.Transfer{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Transfer{}, err
	}

	return ledger.Transfer{
		ID:             corr,
		CreatedAt:      time.Now().UTC(),
		ToID:           toID,
		Amount:         amount,
		Action:         action,
		IdempotencyKey: idemKey,
		Sequence:       seq,
	}, nil
}

func (s *Store) Hold(ctx context.Context, accountID string, amount int64, meta map[string]string) (ledger.Account, error) {
	return s.moveWithheld(ctx, accountID, amount, meta, ledger.ActionWithdrawalHold)
}

func (s *Store) Release(ctx context.Context, accountID string, amount int64, meta map[string]string) (ledger.Account, error) {
	return s.moveWithheld(ctx, accountID, amount, meta, ledger.ActionWithdrawalRelease)
}

func (s *Store) SettleHold(ctx context.Context, accountID string, amount int64) (ledger.Account, error) {
	if amount <= 0 {
		return ledger.Account{}, ledger.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}
	if acc.Withheld < amount {
		return ledger.Account{}, ledger.ErrInsufficientHold
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set withheld = withheld - $2 where id=$1
	`, accountID, amount); err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	acc.Withheld -= amount
	return acc, nil
}

func (s *Store) moveWithheld(ctx context.Context, accountID string, amount int64, meta map[string]string, action ledger.Action) (ledger.Account, error) {
	if amount <= 0 {
		return ledger.Account{}, ledger.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}

	var delta int64
	switch action {
	case ledger.ActionWithdrawalHold:
		if acc.Available < amount {
			return ledger.Account{}, &ledger.InsufficientFundsError{
				AccountID: accountID,
				Available: acc.Available,
				Required:  amount,
			}
		}
		delta = -amount
	case ledger.ActionWithdrawalRelease:
		if acc.Withheld < amount {
			return ledger.Account{}, ledger.ErrInsufficientHold
		}
		delta = amount
	default:
		return ledger.Account{}, errors.New("unsupported withheld action")
	}

	if _, err := tx.ExecContext(ctx, `
		update accounts set available = available + $2, withheld = withheld - $2 where id=$1
	`, accountID, delta); err != nil {
		return ledger.Account{}, err
	}
	if err := insertEntry(ctx, tx, accountID, delta, action, ids.New("txn"), meta); err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	acc.Available += delta
	acc.Withheld -= delta
	return acc, nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]ledger.Entry, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, amount, action, correlation_id, coalesce(metadata::text,''), sequence, created_at
		from entries
		where account_id = $1 and sequence > $2
		order by sequence asc
		limit $3
	`, accountID, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Entry
	var last uint64
	for rows.Next() {
		var e ledger.Entry
		var action, metaRaw string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &action, &e.CorrelationID, &metaRaw, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Action = ledger.Action(action)
		if metaRaw != "" {
			if err := json.Unmarshal([]byte(metaRaw), &e.Metadata); err != nil {
				return nil, 0, err
			}
		}
		res = append(res, e)
		last = e.Sequence
	}
	return res, last, rows.Err()
}

// --- helpers ---

func lockAccount(ctx context.Context, tx *sql.Tx, id string) (ledger.Account, error) {
	var acc ledger.Account
	err := tx.QueryRowContext(ctx, `
		select id, available, withheld, created_at from accounts where id=$1 for update
	`, id).Scan(&acc.ID, &acc.Available, &acc.Withheld, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

func lookupIdem(ctx context.Context, tx *sql.Tx, idemKey string) (ledger.Transfer, bool, error) {
	var t ledger.Transfer
	var from sql.NullString
	var action string
	err := tx.QueryRowContext(ctx, `
		select id, created_at, from_account_id, to_account_id, amount, action, sequence
		from transfers where idempotency_key=$1
	`, idemKey).Scan(&t.ID, &t.CreatedAt, &from, &t.ToID, &t.Amount, &action, &t.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transfer{}, false, nil
	}
	if err != nil {
		return ledger.Transfer{}, false, err
	}
	if from.Valid {
		t.FromID = from.String
	}
	t.Action = ledger.Action(action)
	t.IdempotencyKey = idemKey
	return t, true, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID string, amount int64, action ledger.Action, corr string, meta map[string]string) error {
	var metaArg any
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		metaArg = string(raw)
	}
	_, err := tx.ExecContext(ctx, `
		insert into entries(id, account_id, amount, action, correlation_id, metadata)
		values ($1,$2,$3,$4,$5,$6)
	`, ids.New("ent"), accountID, amount, string(action), corr, metaArg)
	return err
}

func sorted(a, b string) []string {
	if a <= b {
		return []string{a, b}
	}
	return []string{b, a}
}
