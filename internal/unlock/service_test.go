package unlock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"fanvault.io/internal/ledger"
	"fanvault.io/internal/notify"
)

func newFixture(t *testing.T) (*Service, ledger.Service, context.Context) {
	t.Helper()
	l := ledger.NewInMemory()
	return NewService(l, notify.NewOutbox()), l, context.Background()
}

func TestUnlockChargesOnce(t *testing.T) {
	svc, l, ctx := newFixture(t)

	owner, err := l.CreateAccount(ctx, 0)
	require.NoError(t, err)
	buyer, err := l.CreateAccount(ctx, 100)
	require.NoError(t, err)

	item, err := svc.CreateItem(ctx, owner.ID, 30, "media://post/1")
	require.NoError(t, err)

	res, err := svc.Unlock(ctx, buyer.ID, item.ID)
	require.NoError(t, err)
	require.False(t, res.AlreadyUnlocked)
	require.Equal(t, "media://post/1", res.Resource)

	acc, _ := l.GetAccount(ctx, buyer.ID)
	require.EqualValues(t, 70, acc.Available)

	// second unlock is free and emits no new entries
	res2, err := svc.Unlock(ctx, buyer.ID, item.ID)
	require.NoError(t, err)
	require.True(t, res2.AlreadyUnlocked)
	require.Equal(t, res.Resource, res2.Resource)

	acc, _ = l.GetAccount(ctx, buyer.ID)
	require.EqualValues(t, 70, acc.Available)

	entries, _, err := l.ListEntries(ctx, buyer.ID, 100, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2) // signup bonus + one purchase debit
}

func TestUnlockInsufficientFundsSurfacesShortfall(t *testing.T) {
	svc, l, ctx := newFixture(t)

	owner, _ := l.CreateAccount(ctx, 0)
	buyer, _ := l.CreateAccount(ctx, 10)
	item, _ := svc.CreateItem(ctx, owner.ID, 30, "media://post/2")

	_, err := svc.Unlock(ctx, buyer.ID, item.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	require.EqualValues(t, 10, ife.Available)
	require.EqualValues(t, 30, ife.Required)

	// nothing was mutated
	acc, _ := l.GetAccount(ctx, buyer.ID)
	require.EqualValues(t, 10, acc.Available)
	res, err := svc.Unlock(ctx, owner.ID, item.ID)
	require.NoError(t, err)
	require.True(t, res.AlreadyUnlocked) // owner access, not the failed buyer
}

func TestOwnerAlwaysUnlocked(t *testing.T) {
	svc, l, ctx := newFixture(t)
	owner, _ := l.CreateAccount(ctx, 0)
	item, _ := svc.CreateItem(ctx, owner.ID, 50, "media://post/3")

	res, err := svc.Unlock(ctx, owner.ID, item.ID)
	require.NoError(t, err)
	require.True(t, res.AlreadyUnlocked)
}

func TestFreeItemUnlocksWithoutTransfer(t *testing.T) {
	svc, l, ctx := newFixture(t)
	owner, _ := l.CreateAccount(ctx, 0)
	buyer, _ := l.CreateAccount(ctx, 5)
	item, _ := svc.CreateItem(ctx, owner.ID, 0, "media://post/4")

	res, err := svc.Unlock(ctx, buyer.ID, item.ID)
	require.NoError(t, err)
	require.False(t, res.AlreadyUnlocked)

	entries, _, _ := l.ListEntries(ctx, buyer.ID, 100, 0)
	require.Len(t, entries, 1) // only the signup bonus
}

func TestUnlockPublishesSaleNotification(t *testing.T) {
	l := ledger.NewInMemory()
	outbox := notify.NewOutbox()
	svc := NewService(l, outbox)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := outbox.Subscribe(ctx)

	owner, _ := l.CreateAccount(ctx, 0)
	buyer, _ := l.CreateAccount(ctx, 100)
	item, _ := svc.CreateItem(ctx, owner.ID, 20, "media://post/5")

	_, err := svc.Unlock(ctx, buyer.ID, item.ID)
	require.NoError(t, err)

	evt := <-ch
	require.Equal(t, notify.KindItemSold, evt.Kind)
	require.Equal(t, owner.ID, evt.AccountID)
	require.Equal(t, item.ID, evt.Fields["item_id"])

	// replay does not re-notify
	_, err = svc.Unlock(ctx, buyer.ID, item.ID)
	require.NoError(t, err)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected second notification: %+v", evt)
	default:
	}
}

func TestCreateItemValidation(t *testing.T) {
	svc, l, ctx := newFixture(t)
	owner, _ := l.CreateAccount(ctx, 0)

	_, err := svc.CreateItem(ctx, owner.ID, -1, "media://x")
	require.ErrorIs(t, err, ErrInvalidPrice)
	_, err = svc.CreateItem(ctx, owner.ID, 10, "  ")
	require.ErrorIs(t, err, ErrMissingPointer)
	_, err = svc.CreateItem(ctx, "acct_missing", 10, "media://x")
	require.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = svc.Unlock(ctx, owner.ID, "itm_missing")
	require.ErrorIs(t, err, ErrNotFound)
}
