package ledger

import (
	"context"

	"fanvault.io/internal/obs"
)

// WithMetrics wraps a Service so every completed money movement increments
// the ledger_operations_total counter with its action tag. Reads and failed
// operations pass through unrecorded.
func WithMetrics(next Service) Service {
	return &metricsService{next: next, record: obs.RecordLedgerOp}
}

type metricsService struct {
	next   Service
	record func(action string)
}

func (s *metricsService) CreateAccount(ctx context.Context, initial int64) (Account, error) {
	acc, err := s.next.CreateAccount(ctx, initial)
	if err == nil && initial > 0 {
		s.record(string(ActionSignupBonus))
	}
	return acc, err
}

func (s *metricsService) GetAccount(ctx context.Context, id string) (Account, error) {
	return s.next.GetAccount(ctx, id)
}

func (s *metricsService) Transfer(ctx context.Context, fromID, toID string, amount int64, action Action, meta map[string]string, idemKey string) (Transfer, error) {
	tx, err := s.next.Transfer(ctx, fromID, toID, amount, action, meta, idemKey)
	if err == nil {
		s.record(string(action))
	}
	return tx, err
}

func (s *metricsService) Credit(ctx context.Context, toID string, amount int64, action Action, meta map[string]string, idemKey string) (Transfer, error) {
	tx, err := s.next.Credit(ctx, toID, amount, action, meta, idemKey)
	if err == nil {
		s.record(string(action))
	}
	return tx, err
}

func (s *metricsService) Hold(ctx context.Context, accountID string, amount int64, meta map[string]string) (Account, error) {
	acc, err := s.next.Hold(ctx, accountID, amount, meta)
	if err == nil {
		s.record(string(ActionWithdrawalHold))
	}
	return acc, err
}

func (s *metricsService) Release(ctx context.Context, accountID string, amount int64, meta map[string]string) (Account, error) {
	acc, err := s.next.Release(ctx, accountID, amount, meta)
	if err == nil {
		s.record(string(ActionWithdrawalRelease))
	}
	return acc, err
}

// SettleHold writes no entry and carries no action tag, so nothing is recorded.
func (s *metricsService) SettleHold(ctx context.Context, accountID string, amount int64) (Account, error) {
	return s.next.SettleHold(ctx, accountID, amount)
}

func (s *metricsService) ListEntries(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]Entry, uint64, error) {
	return s.next.ListEntries(ctx, accountID, limit, afterSeq)
}
