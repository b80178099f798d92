package withdraw

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fanvault.io/internal/audit"
	"fanvault.io/internal/ids"
	"fanvault.io/internal/ledger"
	"fanvault.io/internal/notify"
)

// Status is the withdrawal lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions is the closed edge set; anything else is rejected.
// completed is terminal; failed may be retried through processing.
var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusCompleted: true, StatusFailed: true},
	StatusProcessing: {StatusCompleted: true, StatusFailed: true},
	StatusFailed:     {StatusProcessing: true},
	StatusCompleted:  {},
}

var (
	ErrNotFound      = errors.New("withdrawal request not found")
	ErrMissingReason = errors.New("failure reason is required")

	ErrInvalidTransition = errors.New("invalid withdrawal transition")
)

// TransitionError reports a rejected state-machine edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid withdrawal transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Request is one withdrawal of coins off the platform. The amount sits in the
// account's withheld balance from creation until completed (settled) or
// failed (released).
type Request struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	Status        Status    `json:"status"`
	AdminNotes    string    `json:"admin_notes,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ProcessedBy   string    `json:"processed_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Service owns all WithdrawalRequest mutations. Creation belongs to the
// requesting account; transitions belong to administrators (enforced at the
// HTTP layer) and are audited with the acting identity.
type Service struct {
	mu     sync.Mutex
	reqs   map[string]*Request
	ledger ledger.Service
	outbox *notify.Outbox
}

func NewService(l ledger.Service, outbox *notify.Outbox) *Service {
	return &Service{
		reqs:   make(map[string]*Request),
		ledger: l,
		outbox: outbox,
	}
}

// Request holds the amount and creates a pending withdrawal.
func (s *Service) Request(ctx context.Context, accountID string, amount int64) (Request, error) {
	if amount <= 0 {
		return Request{}, ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := ids.New("wdr")
	if _, err := s.ledger.Hold(ctx, accountID, amount, map[string]string{"withdrawal_id": id}); err != nil {
		return Request{}, err
	}

	now := time.Now().UTC()
	req := &Request{
		ID:        id,
		AccountID: accountID,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.reqs[id] = req

	_ = audit.LogEvent(ctx, "withdrawal.request", map[string]any{
		"withdrawal_id": id,
		"account_id":    accountID,
		"amount":        amount,
	})
	return *req, nil
}

func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return *req, nil
}

// TransitionArgs carries the optional administrator inputs for a transition.
type TransitionArgs struct {
	Notes  string
	Reason string
}

// Transition moves a request along an allowed edge and applies the balance
// effect: completed settles the hold, failed releases it, processing is a
// status/timestamp update only.
func (s *Service) Transition(ctx context.Context, id string, to Status, actorID string, args TransitionArgs) (Request, error) {
	req, completed, err := s.transition(ctx, id, to, actorID, args)
	if err != nil {
		return Request{}, err
	}
	if completed {
		s.outbox.Publish(notify.Event{
			Kind:      notify.KindWithdrawalCompleted,
			AccountID: req.AccountID,
			Fields: map[string]string{
				"withdrawal_id": req.ID,
				"amount":        fmt.Sprintf("%d", req.Amount),
			},
		})
	}
	return req, nil
}

func (s *Service) transition(ctx context.Context, id string, to Status, actorID string, args TransitionArgs) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.reqs[id]
	if !ok {
		return Request{}, false, ErrNotFound
	}
	if !transitions[req.Status][to] {
		return Request{}, false, &TransitionError{From: req.Status, To: to}
	}

	meta := map[string]string{"withdrawal_id": req.ID}
	switch to {
	case StatusCompleted:
		if _, err := s.ledger.SettleHold(ctx, req.AccountID, req.Amount); err != nil {
			return Request{}, false, err
		}
	case StatusFailed:
		if strings.TrimSpace(args.Reason) == "" {
			return Request{}, false, ErrMissingReason
		}
		if _, err := s.ledger.Release(ctx, req.AccountID, req.Amount, meta); err != nil {
			return Request{}, false, err
		}
		req.FailureReason = strings.TrimSpace(args.Reason)
	case StatusProcessing:
		// payment is in flight externally; no balance movement
	}

	from := req.Status
	req.Status = to
	req.ProcessedBy = actorID
	req.UpdatedAt = time.Now().UTC()
	if notes := strings.TrimSpace(args.Notes); notes != "" {
		req.AdminNotes = notes
	}

	_ = audit.LogEvent(ctx, "withdrawal.transition", map[string]any{
		"withdrawal_id": req.ID,
		"from":          string(from),
		"to":            string(to),
		"actor":         actorID,
	})
	return *req, to == StatusCompleted, nil
}

// ListByAccount returns the account's withdrawal requests, newest first.
func (s *Service) ListByAccount(ctx context.Context, accountID string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []Request
	for _, req := range s.reqs {
		if req.AccountID == accountID {
			res = append(res, *req)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res
}
