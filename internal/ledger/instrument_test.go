package ledger

import (
	"context"
	"reflect"
	"testing"
)

func TestWithMetricsRecordsCompletedOperations(t *testing.T) {
	var got []string
	s := &metricsService{next: NewInMemory(), record: func(a string) { got = append(got, a) }}
	ctx := context.Background()

	a, err := s.CreateAccount(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateAccount(ctx, 0) // no bonus entry, no sample
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transfer(ctx, a.ID, b.ID, 30, ActionPurchase, nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Credit(ctx, b.ID, 10, ActionTopUp, nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Hold(ctx, a.ID, 20, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Release(ctx, a.ID, 20, nil); err != nil {
		t.Fatal(err)
	}

	want := []string{"signup_bonus", "purchase", "topup", "withdrawal_hold", "withdrawal_release"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("recorded actions = %v, want %v", got, want)
	}
}

func TestWithMetricsSkipsFailedOperations(t *testing.T) {
	var count int
	s := &metricsService{next: NewInMemory(), record: func(string) { count++ }}
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, 10)
	b, _ := s.CreateAccount(ctx, 0)
	count = 0

	if _, err := s.Transfer(ctx, a.ID, b.ID, 50, ActionPurchase, nil, ""); err == nil {
		t.Fatal("expected insufficient funds")
	}
	if _, err := s.Hold(ctx, a.ID, 50, nil); err == nil {
		t.Fatal("expected insufficient funds")
	}
	if count != 0 {
		t.Fatalf("failed operations recorded %d samples", count)
	}
}
