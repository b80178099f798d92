package ledger

import (
	"context"
	"sync"
	"time"

	"fanvault.io/internal/ids"
)

// Service defines the ledger operations every other component is built on.
// Transfer and Credit are all-or-nothing: partial application (debit without
// credit, or vice versa) is never observable.
type Service interface {
	CreateAccount(ctx context.Context, initial int64) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	Transfer(ctx context.Context, fromID, toID string, amount int64, action Action, meta map[string]string, idemKey string) (Transfer, error)
	Credit(ctx context.Context, toID string, amount int64, action Action, meta map[string]string, idemKey string) (Transfer, error)
	Hold(ctx context.Context, accountID string, amount int64, meta map[string]string) (Account, error)
	Release(ctx context.Context, accountID string, amount int64, meta map[string]string) (Account, error)
	SettleHold(ctx context.Context, accountID string, amount int64) (Account, error)
	ListEntries(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]Entry, uint64, error)
}

// InMemory implements Service with in-process concurrency safety. The durable
// implementation lives in internal/store/pg behind the same interface.
type InMemory struct {
	mu      sync.Mutex
	accts   map[string]*Account
	entries map[string][]Entry
	seq     uint64
	idem    map[string]Transfer // idemKey -> settled transfer
}

// NewInMemory creates a fresh ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		accts:   make(map[string]*Account),
		entries: make(map[string][]Entry),
		idem:    make(map[string]Transfer),
	}
}

func (s *InMemory) CreateAccount(ctx context.Context, initial int64) (Account, error) {
	if initial < 0 {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := &Account{
		ID:        ids.New("acct"),
		CreatedAt: time.Now().UTC(),
	}
	s.accts[acc.ID] = acc

	if initial > 0 {
		corr := ids.New("txn")
		acc.Available = initial
		s.appendEntry(acc.ID, initial, ActionSignupBonus, corr, nil)
	}
	return *acc, nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *acc, nil
}

func (s *InMemory) Transfer(ctx context.Context, fromID, toID string, amount int64, action Action, meta map[string]string, idemKey string) (Transfer, error) {
	if amount <= 0 {
		return Transfer{}, ErrInvalidAmount
	}
	if fromID == toID {
		return Transfer{}, ErrSameAccount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if tx, ok := s.idem[idemKey]; ok {
			return tx, nil
		}
	}

	from, ok := s.accts[fromID]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	to, ok := s.accts[toID]
	if !ok {
		return Transfer{}, ErrNotFound
	}

	if from.Available < amount {
		return Transfer{}, &InsufficientFundsError{
			AccountID: fromID,
			Available: from.Available,
			Required:  amount,
		}
	}

	from.Available -= amount
	to.Available += amount

	corr := ids.New("txn")
	s.appendEntry(fromID, -amount, action, corr, meta)
	seq := s.appendEntry(toID, amount, action, corr, meta)

	tx := Transfer{
		ID:             corr,
		CreatedAt:      time.Now().UTC(),
		FromID:         fromID,
		ToID:           toID,
		Amount:         amount,
		Action:         action,
		IdempotencyKey: idemKey,
		Sequence:       seq,
	}
	if idemKey != "" {
		s.idem[idemKey] = tx
	}
	return tx, nil
}

func (s *InMemory) Credit(ctx context.Context, toID string, amount int64, action Action, meta map[string]string, idemKey string) (Transfer, error) {
	if amount <= 0 {
		return Transfer{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if tx, ok := s.idem[idemKey]; ok {
			return tx, nil
		}
	}

	to, ok := s.accts[toID]
	if !ok {
		return Transfer{}, ErrNotFound
	}

	to.Available += amount
	corr := ids.New("txn")
	seq := s.appendEntry(toID, amount, action, corr, meta)

	tx := Transfer{
		ID:             corr,
		CreatedAt:      time.Now().UTC(),
		ToID:           toID,
		Amount:         amount,
		Action:         action,
		IdempotencyKey: idemKey,
		Sequence:       seq,
	}
	if idemKey != "" {
		s.idem[idemKey] = tx
	}
	return tx, nil
}

func (s *InMemory) Hold(ctx context.Context, accountID string, amount int64, meta map[string]string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[accountID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if acc.Available < amount {
		return Account{}, &InsufficientFundsError{
			AccountID: accountID,
			Available: acc.Available,
			Required:  amount,
		}
	}
	acc.Available -= amount
	acc.Withheld += amount
	s.appendEntry(accountID, -amount, ActionWithdrawalHold, ids.New("txn"), meta)
	return *acc, nil
}

func (s *InMemory) Release(ctx context.Context, accountID string, amount int64, meta map[string]string) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[accountID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if acc.Withheld < amount {
		return Account{}, ErrInsufficientHold
	}
	acc.Withheld -= amount
	acc.Available += amount
	s.appendEntry(accountID, amount, ActionWithdrawalRelease, ids.New("txn"), meta)
	return *acc, nil
}

// SettleHold removes withheld funds permanently (they left the platform).
// Available balance is untouched, so no entry is appended: the hold entry
// already accounts for the debit in the replayable history.
func (s *InMemory) SettleHold(ctx context.Context, accountID string, amount int64) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[accountID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if acc.Withheld < amount {
		return Account{}, ErrInsufficientHold
	}
	acc.Withheld -= amount
	return *acc, nil
}

func (s *InMemory) ListEntries(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]Entry, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accts[accountID]; !ok {
		return nil, 0, ErrNotFound
	}
	var res []Entry
	var last uint64
	for _, e := range s.entries[accountID] {
		if e.Sequence <= afterSeq {
			continue
		}
		res = append(res, e)
		last = e.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// appendEntry must be called with s.mu held. Returns the assigned sequence.
func (s *InMemory) appendEntry(accountID string, amount int64, action Action, corr string, meta map[string]string) uint64 {
	s.seq++
	e := Entry{
		ID:            ids.New("ent"),
		AccountID:     accountID,
		Amount:        amount,
		Action:        action,
		CorrelationID: corr,
		Sequence:      s.seq,
		CreatedAt:     time.Now().UTC(),
	}
	if len(meta) > 0 {
		e.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			e.Metadata[k] = v
		}
	}
	s.entries[accountID] = append(s.entries[accountID], e)
	return s.seq
}
