package calls

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fanvault.io/internal/ledger"
	"fanvault.io/internal/notify"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T, opts ...Option) (*Service, ledger.Service, *fakeClock, context.Context) {
	t.Helper()
	l := ledger.NewInMemory()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc := NewService(l, notify.NewOutbox(), FlatRates(5, 12), opts...)
	return svc, l, clock, context.Background()
}

func TestTenMinuteCallAtFivePerMinute(t *testing.T) {
	svc, l, clock, ctx := newFixture(t)
	caller, _ := l.CreateAccount(ctx, 1000)
	recipient, _ := l.CreateAccount(ctx, 0)

	sess, err := svc.Start(ctx, caller.ID, recipient.ID, KindVoice)
	require.NoError(t, err)
	_, err = svc.Join(ctx, sess.ID, recipient.ID)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	settlement, err := svc.End(ctx, sess.ID, caller.ID)
	require.NoError(t, err)
	require.EqualValues(t, 600, settlement.DurationSeconds)
	require.EqualValues(t, 50, settlement.CoinsCharged)

	ca, _ := l.GetAccount(ctx, caller.ID)
	ra, _ := l.GetAccount(ctx, recipient.ID)
	require.EqualValues(t, 950, ca.Available)
	require.EqualValues(t, 50, ra.Available)
}

func TestPartialMinutesRoundUp(t *testing.T) {
	svc, l, clock, ctx := newFixture(t)
	caller, _ := l.CreateAccount(ctx, 1000)
	recipient, _ := l.CreateAccount(ctx, 0)

	sess, _ := svc.Start(ctx, caller.ID, recipient.ID, KindVoice)
	_, err := svc.Join(ctx, sess.ID, recipient.ID)
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	settlement, err := svc.End(ctx, sess.ID, recipient.ID)
	require.NoError(t, err)
	require.EqualValues(t, 90, settlement.DurationSeconds)
	require.EqualValues(t, 10, settlement.CoinsCharged) // ceil(90/60) = 2 minutes at 5/min
}

func TestEndIsIdempotent(t *testing.T) {
	svc, l, clock, ctx := newFixture(t)
	caller, _ := l.CreateAccount(ctx, 1000)
	recipient, _ := l.CreateAccount(ctx, 0)

	sess, _ := svc.Start(ctx, caller.ID, recipient.ID, KindVideo)
	_, err := svc.Join(ctx, sess.ID, recipient.ID)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	first, err := svc.End(ctx, sess.ID, caller.ID)
	require.NoError(t, err)
	second, err := svc.End(ctx, sess.ID, caller.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// only one debit/credit pair
	entries, _, _ := l.ListEntries(ctx, recipient.ID, 100, 0)
	require.Len(t, entries, 1)
	ca, _ := l.GetAccount(ctx, caller.ID)
	require.EqualValues(t, 1000-24, ca.Available) // 2 min * 12/min video
}

func TestDeclineAndMissedNeverBill(t *testing.T) {
	svc, l, clock, ctx := newFixture(t, WithRingTimeout(30*time.Second))
	caller, _ := l.CreateAccount(ctx, 100)
	recipient, _ := l.CreateAccount(ctx, 0)

	declined, _ := svc.Start(ctx, caller.ID, recipient.ID, KindVoice)
	_, err := svc.Decline(ctx, declined.ID, recipient.ID)
	require.NoError(t, err)

	ringing, _ := svc.Start(ctx, caller.ID, recipient.ID, KindVoice)
	clock.Advance(31 * time.Second)
	require.Equal(t, 1, svc.SweepPending(ctx))

	got, _ := svc.Get(ctx, ringing.ID)
	require.Equal(t, StatusMissed, got.Status)

	ca, _ := l.GetAccount(ctx, caller.ID)
	require.EqualValues(t, 100, ca.Available)

	// a missed session cannot be settled
	_, err = svc.End(ctx, ringing.ID, caller.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestJoinGuards(t *testing.T) {
	svc, l, _, ctx := newFixture(t)
	caller, _ := l.CreateAccount(ctx, 100)
	recipient, _ := l.CreateAccount(ctx, 0)

	sess, _ := svc.Start(ctx, caller.ID, recipient.ID, KindVoice)

	_, err := svc.Join(ctx, sess.ID, caller.ID)
	require.ErrorIs(t, err, ErrNotRecipient)

	_, err = svc.Join(ctx, sess.ID, recipient.ID)
	require.NoError(t, err)

	_, err = svc.Join(ctx, sess.ID, recipient.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.End(ctx, sess.ID, "acct_stranger")
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestInsufficientFundsLeavesSessionActive(t *testing.T) {
	svc, l, clock, ctx := newFixture(t)
	caller, _ := l.CreateAccount(ctx, 3)
	recipient, _ := l.CreateAccount(ctx, 0)

	sess, _ := svc.Start(ctx, caller.ID, recipient.ID, KindVoice)
	_, err := svc.Join(ctx, sess.ID, recipient.ID)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = svc.End(ctx, sess.ID, caller.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, _ := svc.Get(ctx, sess.ID)
	require.Equal(t, StatusActive, got.Status) // charged-but-not-ended is unobservable
}
