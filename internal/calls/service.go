package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fanvault.io/internal/ids"
	"fanvault.io/internal/ledger"
	"fanvault.io/internal/notify"
)

// Kind distinguishes voice and video sessions; the per-minute rate depends on it.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// Status is the call lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
	StatusDeclined Status = "declined"
)

var (
	ErrNotFound       = errors.New("call session not found")
	ErrInvalidKind    = errors.New("call kind must be voice or video")
	ErrNotRecipient   = errors.New("only the call recipient may perform this")
	ErrNotParticipant = errors.New("only a call participant may perform this")

	ErrInvalidTransition = errors.New("invalid call transition")
)

// TransitionError reports a rejected lifecycle edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid call transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Session is a real-time call between two accounts.
type Session struct {
	ID              string    `json:"id"`
	CallerID        string    `json:"caller_id"`
	RecipientID     string    `json:"recipient_id"`
	Kind            Kind      `json:"kind"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	EndedAt         time.Time `json:"ended_at,omitzero"`
	DurationSeconds int64     `json:"duration_seconds"`
	CoinsCharged    int64     `json:"coins_charged"`
}

// Settlement is the billing outcome of an ended session. Retried End calls
// return the stored settlement unchanged.
type Settlement struct {
	SessionID       string          `json:"session_id"`
	DurationSeconds int64           `json:"duration_seconds"`
	CoinsCharged    int64           `json:"coins_charged"`
	Transfer        ledger.Transfer `json:"transfer"`
}

// RateResolver returns the per-minute coin rate for a recipient and call kind.
// Billing policy (per-second, tiered rates) is a resolver swap, not a core change.
type RateResolver func(ctx context.Context, recipientID string, kind Kind) (int64, error)

// FlatRates returns a resolver with one fixed rate per call kind.
func FlatRates(voicePerMinute, videoPerMinute int64) RateResolver {
	return func(_ context.Context, _ string, kind Kind) (int64, error) {
		switch kind {
		case KindVoice:
			return voicePerMinute, nil
		case KindVideo:
			return videoPerMinute, nil
		default:
			return 0, ErrInvalidKind
		}
	}
}

// Option configures Service.
type Option func(*Service)

// WithRingTimeout overrides how long a pending call may ring before the
// sweeper marks it missed.
func WithRingTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ringTimeout = d
		}
	}
}

// WithClock overrides the time source. Only intended for test use.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service drives the call lifecycle and settles duration-based charges.
// Settlement state and the ledger transfer are written under one lock, and the
// ledger idempotency key makes retried settlements safe across processes.
type Service struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	settlements map[string]Settlement
	ledger      ledger.Service
	outbox      *notify.Outbox
	rates       RateResolver
	ringTimeout time.Duration
	now         func() time.Time
}

func NewService(l ledger.Service, outbox *notify.Outbox, rates RateResolver, opts ...Option) *Service {
	s := &Service{
		sessions:    make(map[string]*Session),
		settlements: make(map[string]Settlement),
		ledger:      l,
		outbox:      outbox,
		rates:       rates,
		ringTimeout: time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Start(ctx context.Context, callerID, recipientID string, kind Kind) (Session, error) {
	if kind != KindVoice && kind != KindVideo {
		return Session{}, ErrInvalidKind
	}
	if _, err := s.ledger.GetAccount(ctx, callerID); err != nil {
		return Session{}, err
	}
	if _, err := s.ledger.GetAccount(ctx, recipientID); err != nil {
		return Session{}, err
	}

	sess := &Session{
		ID:          ids.New("call"),
		CallerID:    callerID,
		RecipientID: recipientID,
		Kind:        kind,
		Status:      StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return *sess, nil
}

func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

// Join transitions pending -> active; only the designated recipient may join.
func (s *Service) Join(ctx context.Context, id, actorID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if actorID != sess.RecipientID {
		return Session{}, ErrNotRecipient
	}
	if sess.Status != StatusPending {
		return Session{}, &TransitionError{From: sess.Status, To: StatusActive}
	}
	sess.Status = StatusActive
	sess.StartedAt = s.now().UTC()
	return *sess, nil
}

// Decline transitions pending -> declined with no billing.
func (s *Service) Decline(ctx context.Context, id, actorID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if actorID != sess.RecipientID {
		return Session{}, ErrNotRecipient
	}
	if sess.Status != StatusPending {
		return Session{}, &TransitionError{From: sess.Status, To: StatusDeclined}
	}
	sess.Status = StatusDeclined
	sess.EndedAt = s.now().UTC()
	return *sess, nil
}

// SweepPending marks pending sessions missed once they ring past the timeout.
// No billing occurs. Safe to invoke repeatedly.
func (s *Service) SweepPending(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var missed int
	for _, sess := range s.sessions {
		if sess.Status != StatusPending {
			continue
		}
		if now.Sub(sess.CreatedAt) < s.ringTimeout {
			continue
		}
		sess.Status = StatusMissed
		sess.EndedAt = now
		missed++
	}
	return missed
}

// End settles an active session. Idempotent: ending an already-ended session
// returns the stored settlement rather than recharging.
func (s *Service) End(ctx context.Context, id, actorID string) (Settlement, error) {
	settlement, recipientID, replay, err := s.end(ctx, id, actorID)
	if err != nil {
		return Settlement{}, err
	}
	if !replay {
		s.outbox.Publish(notify.Event{
			Kind:      notify.KindCallSettled,
			AccountID: recipientID,
			Fields: map[string]string{
				"session_id":       settlement.SessionID,
				"duration_seconds": fmt.Sprintf("%d", settlement.DurationSeconds),
				"coins_charged":    fmt.Sprintf("%d", settlement.CoinsCharged),
			},
		})
	}
	return settlement, nil
}

func (s *Service) end(ctx context.Context, id, actorID string) (Settlement, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Settlement{}, "", false, ErrNotFound
	}
	if actorID != sess.CallerID && actorID != sess.RecipientID {
		return Settlement{}, "", false, ErrNotParticipant
	}
	if sess.Status == StatusEnded {
		return s.settlements[id], sess.RecipientID, true, nil
	}
	if sess.Status != StatusActive {
		return Settlement{}, "", false, &TransitionError{From: sess.Status, To: StatusEnded}
	}

	now := s.now().UTC()
	duration := int64(now.Sub(sess.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	rate, err := s.rates(ctx, sess.RecipientID, sess.Kind)
	if err != nil {
		return Settlement{}, "", false, err
	}
	minutes := (duration + 59) / 60 // partial minutes round up
	cost := minutes * rate

	var tx ledger.Transfer
	if cost > 0 && sess.CallerID != sess.RecipientID {
		tx, err = s.ledger.Transfer(ctx, sess.CallerID, sess.RecipientID, cost,
			ledger.ActionCallCharge,
			map[string]string{"session_id": sess.ID},
			"call:"+sess.ID,
		)
		if err != nil {
			return Settlement{}, "", false, err
		}
	} else {
		cost = 0
	}

	sess.Status = StatusEnded
	sess.EndedAt = now
	sess.DurationSeconds = duration
	sess.CoinsCharged = cost

	settlement := Settlement{
		SessionID:       sess.ID,
		DurationSeconds: duration,
		CoinsCharged:    cost,
		Transfer:        tx,
	}
	s.settlements[id] = settlement
	return settlement, sess.RecipientID, false, nil
}
