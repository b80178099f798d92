package affiliate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"fanvault.io/internal/audit"
	"fanvault.io/internal/ids"
	"fanvault.io/internal/ledger"
)

// Status is the commission lifecycle state. Accrual is separated from
// settlement the same way withdrawals are: no coins move until an
// administrator marks the commission paid.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusPaid: true, StatusCancelled: true},
	StatusPaid:      {},
	StatusCancelled: {},
}

var (
	ErrNotFound       = errors.New("commission not found")
	ErrUnknownCode    = errors.New("unknown referral code")
	ErrCodeTaken      = errors.New("referral code already registered")
	ErrDuplicateOrder = errors.New("external order already recorded")
	ErrInvalidRate    = errors.New("rate must be in (0, 1]")

	ErrInvalidTransition = errors.New("invalid commission transition")
)

// TransitionError reports a rejected state-machine edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid commission transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Click is one recorded referral visit.
type Click struct {
	ID     string    `json:"id"`
	Code   string    `json:"code"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
}

// Commission is a qualifying external sale attributed to a referrer. The
// external order id is the idempotency key: webhook retries must conflict,
// never credit twice.
type Commission struct {
	ID              string    `json:"id"`
	ReferrerID      string    `json:"referrer_id"`
	Code            string    `json:"code"`
	ExternalOrderID string    `json:"external_order_id"`
	SaleAmount      int64     `json:"sale_amount"`
	Rate            float64   `json:"rate"`
	Amount          int64     `json:"amount"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Service resolves referral codes and turns qualifying sales into pending
// ledger credits for the referrer.
type Service struct {
	mu          sync.Mutex
	codes       map[string]string // code -> referrer account id
	clicks      []Click
	commissions map[string]*Commission
	byOrder     map[string]string // external order id -> commission id
	ledger      ledger.Service
}

func NewService(l ledger.Service) *Service {
	return &Service{
		codes:       make(map[string]string),
		commissions: make(map[string]*Commission),
		byOrder:     make(map[string]string),
		ledger:      l,
	}
}

// RegisterCode binds a referral code to an account. Re-registering the same
// binding is a no-op; claiming another account's code conflicts.
func (s *Service) RegisterCode(ctx context.Context, accountID, code string) error {
	code = normalizeCode(code)
	if code == "" {
		return errors.New("code is required")
	}
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.codes[code]; ok {
		if owner == accountID {
			return nil
		}
		return ErrCodeTaken
	}
	s.codes[code] = accountID
	return nil
}

// RecordClick logs a referral visit against a known code.
func (s *Service) RecordClick(ctx context.Context, code, source string) (Click, error) {
	code = normalizeCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[code]; !ok {
		return Click{}, ErrUnknownCode
	}
	c := Click{
		ID:     ids.New("clk"),
		Code:   code,
		Source: strings.TrimSpace(source),
		At:     time.Now().UTC(),
	}
	s.clicks = append(s.clicks, c)
	return c, nil
}

// ClickCount reports recorded clicks for a code.
func (s *Service) ClickCount(ctx context.Context, code string) (int, error) {
	code = normalizeCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[code]; !ok {
		return 0, ErrUnknownCode
	}
	var n int
	for _, c := range s.clicks {
		if c.Code == code {
			n++
		}
	}
	return n, nil
}

// RecordCommission accrues a pending commission for a qualifying external
// sale. Duplicate order ids conflict; no ledger movement happens here.
func (s *Service) RecordCommission(ctx context.Context, code, externalOrderID string, saleAmount int64, rate float64) (Commission, error) {
	code = normalizeCode(code)
	externalOrderID = strings.TrimSpace(externalOrderID)
	if externalOrderID == "" {
		return Commission{}, errors.New("external order id is required")
	}
	if saleAmount <= 0 {
		return Commission{}, ledger.ErrInvalidAmount
	}
	if rate <= 0 || rate > 1 {
		return Commission{}, ErrInvalidRate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	referrerID, ok := s.codes[code]
	if !ok {
		return Commission{}, ErrUnknownCode
	}
	if _, dup := s.byOrder[externalOrderID]; dup {
		return Commission{}, ErrDuplicateOrder
	}

	now := time.Now().UTC()
	c := &Commission{
		ID:              ids.New("com"),
		ReferrerID:      referrerID,
		Code:            code,
		ExternalOrderID: externalOrderID,
		SaleAmount:      saleAmount,
		Rate:            rate,
		Amount:          int64(math.Round(float64(saleAmount) * rate)),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.commissions[c.ID] = c
	s.byOrder[externalOrderID] = c.ID
	return *c, nil
}

func (s *Service) Get(ctx context.Context, id string) (Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commissions[id]
	if !ok {
		return Commission{}, ErrNotFound
	}
	return *c, nil
}

// Transition moves a commission along an allowed edge; paid credits the
// referrer through the ledger (idempotent per commission).
func (s *Service) Transition(ctx context.Context, id string, to Status, actorID string) (Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commissions[id]
	if !ok {
		return Commission{}, ErrNotFound
	}
	if !transitions[c.Status][to] {
		return Commission{}, &TransitionError{From: c.Status, To: to}
	}

	if to == StatusPaid {
		if _, err := s.ledger.Credit(ctx, c.ReferrerID, c.Amount,
			ledger.ActionCommissionPayout,
			map[string]string{"commission_id": c.ID, "external_order_id": c.ExternalOrderID},
			"commission:"+c.ID,
		); err != nil {
			return Commission{}, err
		}
	}

	from := c.Status
	c.Status = to
	c.UpdatedAt = time.Now().UTC()

	_ = audit.LogEvent(ctx, "commission.transition", map[string]any{
		"commission_id": c.ID,
		"from":          string(from),
		"to":            string(to),
		"actor":         actorID,
	})
	return *c, nil
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
