package audit

import (
	"context"
	"testing"

	"fanvault.io/internal/auth"
)

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestLogEventWithActorContext(t *testing.T) {
	ctx := auth.ContextWithActor(context.Background(), "acct_9", []string{"admin"})
	ctx = WithRequestID(ctx, "req-1")
	if err := LogEvent(ctx, "withdrawal.transition", map[string]any{
		"withdrawal_id": "wdr_1",
		"to":            "completed",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestWithRequestIDIgnoresEmpty(t *testing.T) {
	ctx := context.Background()
	if got := WithRequestID(ctx, "   "); got != ctx {
		t.Fatal("empty request id should not modify context")
	}
}
