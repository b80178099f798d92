package affiliate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"fanvault.io/internal/ledger"
)

func newFixture(t *testing.T) (*Service, ledger.Service, context.Context) {
	t.Helper()
	l := ledger.NewInMemory()
	return NewService(l), l, context.Background()
}

func TestRegisterCodeAndClicks(t *testing.T) {
	s, l, ctx := newFixture(t)
	ref, _ := l.CreateAccount(ctx, 0)
	other, _ := l.CreateAccount(ctx, 0)

	require.NoError(t, s.RegisterCode(ctx, ref.ID, "  NOVA10 "))
	// same binding again is a no-op
	require.NoError(t, s.RegisterCode(ctx, ref.ID, "nova10"))
	// another account cannot claim the code
	require.ErrorIs(t, s.RegisterCode(ctx, other.ID, "nova10"), ErrCodeTaken)

	_, err := s.RecordClick(ctx, "nosuch", "landing")
	require.ErrorIs(t, err, ErrUnknownCode)

	c, err := s.RecordClick(ctx, "NOVA10", "landing")
	require.NoError(t, err)
	require.Equal(t, "nova10", c.Code)

	_, err = s.RecordClick(ctx, "nova10", "")
	require.NoError(t, err)

	n, err := s.ClickCount(ctx, "nova10")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRecordCommissionRoundsAndDedupes(t *testing.T) {
	s, l, ctx := newFixture(t)
	ref, _ := l.CreateAccount(ctx, 0)
	require.NoError(t, s.RegisterCode(ctx, ref.ID, "nova10"))

	c, err := s.RecordCommission(ctx, "nova10", "ord-1", 333, 0.10)
	require.NoError(t, err)
	require.Equal(t, StatusPending, c.Status)
	require.EqualValues(t, 33, c.Amount) // round(333 * 0.10)
	require.Equal(t, ref.ID, c.ReferrerID)

	// accrual moves no coins
	ra, _ := l.GetAccount(ctx, ref.ID)
	require.EqualValues(t, 0, ra.Available)

	// webhook retry with the same external order id conflicts
	_, err = s.RecordCommission(ctx, "nova10", "ord-1", 333, 0.10)
	require.ErrorIs(t, err, ErrDuplicateOrder)

	half, err := s.RecordCommission(ctx, "nova10", "ord-2", 25, 0.10)
	require.NoError(t, err)
	require.EqualValues(t, 3, half.Amount) // round(2.5) rounds half away from zero

	_, err = s.RecordCommission(ctx, "nova10", "ord-3", 100, 0)
	require.ErrorIs(t, err, ErrInvalidRate)
	_, err = s.RecordCommission(ctx, "nova10", "ord-3", 0, 0.10)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = s.RecordCommission(ctx, "ghost", "ord-3", 100, 0.10)
	require.ErrorIs(t, err, ErrUnknownCode)
}

func TestTransitionPaidCreditsReferrerOnce(t *testing.T) {
	s, l, ctx := newFixture(t)
	ref, _ := l.CreateAccount(ctx, 0)
	require.NoError(t, s.RegisterCode(ctx, ref.ID, "nova10"))

	c, err := s.RecordCommission(ctx, "nova10", "ord-1", 500, 0.20)
	require.NoError(t, err)
	require.EqualValues(t, 100, c.Amount)

	// pending cannot jump straight to paid
	_, err = s.Transition(ctx, c.ID, StatusPaid, "acct_admin")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, StatusPending, te.From)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Transition(ctx, c.ID, StatusConfirmed, "acct_admin")
	require.NoError(t, err)
	paid, err := s.Transition(ctx, c.ID, StatusPaid, "acct_admin")
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)

	ra, _ := l.GetAccount(ctx, ref.ID)
	require.EqualValues(t, 100, ra.Available)

	// paid is terminal
	_, err = s.Transition(ctx, c.ID, StatusCancelled, "acct_admin")
	require.ErrorIs(t, err, ErrInvalidTransition)

	entries, _, err := l.ListEntries(ctx, ref.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ledger.ActionCommissionPayout, entries[0].Action)
}

func TestTransitionCancelledNeverPays(t *testing.T) {
	s, l, ctx := newFixture(t)
	ref, _ := l.CreateAccount(ctx, 0)
	require.NoError(t, s.RegisterCode(ctx, ref.ID, "nova10"))

	c, _ := s.RecordCommission(ctx, "nova10", "ord-1", 500, 0.20)
	cancelled, err := s.Transition(ctx, c.ID, StatusCancelled, "acct_admin")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	ra, _ := l.GetAccount(ctx, ref.ID)
	require.EqualValues(t, 0, ra.Available)

	_, err = s.Transition(ctx, c.ID, StatusConfirmed, "acct_admin")
	require.ErrorIs(t, err, ErrInvalidTransition)
}
