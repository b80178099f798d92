package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestTransferSuccessAndBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 1000)
	b, _ := s.CreateAccount(ctx, 0)

	_, err := s.Transfer(ctx, a.ID, b.ID, 600, ActionPurchase, nil, "k1")
	if err != nil {
		t.Fatal(err)
	}
	ba, _ := s.GetAccount(ctx, a.ID)
	bb, _ := s.GetAccount(ctx, b.ID)

	if ba.Available != 400 || bb.Available != 600 {
		t.Fatalf("unexpected balances: a=%d b=%d", ba.Available, bb.Available)
	}
}

func TestTransferWritesEntryPair(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 100)
	b, _ := s.CreateAccount(ctx, 0)

	tx, err := s.Transfer(ctx, a.ID, b.ID, 30, ActionPurchase, map[string]string{"item": "itm_1"}, "")
	if err != nil {
		t.Fatal(err)
	}

	ea, _, _ := s.ListEntries(ctx, a.ID, 100, 0)
	eb, _, _ := s.ListEntries(ctx, b.ID, 100, 0)
	// one signup bonus entry + the debit on a; just the credit on b
	if len(ea) != 2 || len(eb) != 1 {
		t.Fatalf("entry counts: a=%d b=%d", len(ea), len(eb))
	}
	debit, credit := ea[1], eb[0]
	if debit.Amount != -30 || credit.Amount != 30 {
		t.Fatalf("amounts: debit=%d credit=%d", debit.Amount, credit.Amount)
	}
	if debit.CorrelationID != tx.ID || credit.CorrelationID != tx.ID {
		t.Fatal("entries must share the transfer correlation id")
	}
	if debit.Metadata["item"] != "itm_1" {
		t.Fatalf("metadata lost: %v", debit.Metadata)
	}
}

func TestInsufficientFunds(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 100)
	b, _ := s.CreateAccount(ctx, 0)

	_, err := s.Transfer(ctx, a.ID, b.ID, 200, ActionPurchase, nil, "k2")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %T", err)
	}
	if ife.Available != 100 || ife.Required != 200 {
		t.Fatalf("shortfall figures: available=%d required=%d", ife.Available, ife.Required)
	}
	// a failed transfer leaves every balance untouched
	ba, _ := s.GetAccount(ctx, a.ID)
	if ba.Available != 100 {
		t.Fatalf("balance mutated on failure: %d", ba.Available)
	}
}

func TestIdempotency(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 1000)
	b, _ := s.CreateAccount(ctx, 0)

	tx1, err := s.Transfer(ctx, a.ID, b.ID, 100, ActionCallCharge, nil, "same-key")
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := s.Transfer(ctx, a.ID, b.ID, 100, ActionCallCharge, nil, "same-key")
	if err != nil {
		t.Fatal(err)
	}
	if tx1.ID != tx2.ID || tx1.Sequence != tx2.Sequence {
		t.Fatalf("idempotency violated: %#v != %#v", tx1, tx2)
	}
	ba, _ := s.GetAccount(ctx, a.ID)
	if ba.Available != 900 {
		t.Fatalf("replay recharged: %d", ba.Available)
	}
}

func TestCredit(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 0)

	tx1, err := s.Credit(ctx, a.ID, 250, ActionTopUp, map[string]string{"session": "cs_1"}, "topup:cs_1")
	if err != nil {
		t.Fatal(err)
	}
	tx2, _ := s.Credit(ctx, a.ID, 250, ActionTopUp, nil, "topup:cs_1")
	if tx1.ID != tx2.ID {
		t.Fatal("credit replay must return the stored transfer")
	}
	ba, _ := s.GetAccount(ctx, a.ID)
	if ba.Available != 250 {
		t.Fatalf("available = %d", ba.Available)
	}
}

func TestHoldReleaseSettle(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 500)

	acc, err := s.Hold(ctx, a.ID, 200, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Available != 300 || acc.Withheld != 200 {
		t.Fatalf("after hold: available=%d withheld=%d", acc.Available, acc.Withheld)
	}

	acc, err = s.Release(ctx, a.ID, 200, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Available != 500 || acc.Withheld != 0 {
		t.Fatalf("after release: available=%d withheld=%d", acc.Available, acc.Withheld)
	}

	if _, err := s.Hold(ctx, a.ID, 600, nil); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if _, err := s.Hold(ctx, a.ID, 500, nil); err != nil {
		t.Fatal(err)
	}
	acc, err = s.SettleHold(ctx, a.ID, 500)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Available != 0 || acc.Withheld != 0 {
		t.Fatalf("after settle: available=%d withheld=%d", acc.Available, acc.Withheld)
	}
	if _, err := s.SettleHold(ctx, a.ID, 1); !errors.Is(err, ErrInsufficientHold) {
		t.Fatalf("expected ErrInsufficientHold, got %v", err)
	}
}

func TestEntryReplayMatchesAvailable(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 1000)
	b, _ := s.CreateAccount(ctx, 50)

	_, _ = s.Transfer(ctx, a.ID, b.ID, 300, ActionPurchase, nil, "")
	_, _ = s.Transfer(ctx, b.ID, a.ID, 120, ActionCallCharge, nil, "")
	_, _ = s.Hold(ctx, a.ID, 200, nil)
	_, _ = s.Release(ctx, a.ID, 50, nil)
	_, _ = s.SettleHold(ctx, a.ID, 150)
	_, _ = s.Credit(ctx, b.ID, 40, ActionCommissionPayout, nil, "")

	for _, id := range []string{a.ID, b.ID} {
		entries, _, err := s.ListEntries(ctx, id, 1000, 0)
		if err != nil {
			t.Fatal(err)
		}
		var sum int64
		var lastSeq uint64
		for _, e := range entries {
			sum += e.Amount
			if e.Sequence <= lastSeq {
				t.Fatal("entry sequence not monotonically increasing")
			}
			lastSeq = e.Sequence
		}
		acc, _ := s.GetAccount(ctx, id)
		if sum != acc.Available {
			t.Fatalf("account %s: replay sum %d != available %d", id, sum, acc.Available)
		}
		if acc.Available < 0 || acc.Withheld < 0 {
			t.Fatalf("account %s: negative balance", id)
		}
	}
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 10000)
	b, _ := s.CreateAccount(ctx, 0)

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Transfer(ctx, a.ID, b.ID, 100, ActionPurchase, nil, "")
		}()
	}
	wg.Wait()

	ba, _ := s.GetAccount(ctx, a.ID)
	bb, _ := s.GetAccount(ctx, b.ID)
	if ba.Available+bb.Available != 10000 {
		t.Fatalf("conservation violated: a+b=%d", ba.Available+bb.Available)
	}
}

func TestTransferValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 100)

	if _, err := s.Transfer(ctx, a.ID, a.ID, 10, ActionPurchase, nil, ""); !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
	if _, err := s.Transfer(ctx, a.ID, "acct_missing", 0, ActionPurchase, nil, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.Transfer(ctx, a.ID, "acct_missing", 10, ActionPurchase, nil, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
