package auth

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv("FANVAULT_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("acct_1", []string{"Creator", "creator", " admin "}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "acct_1" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "creator" || claims.Roles[1] != "admin" {
		t.Fatalf("roles not normalized: %v", claims.Roles)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Setenv("FANVAULT_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("acct_1", nil, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("FANVAULT_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("acct_1", nil, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithActor(context.Background(), " acct_2 ", []string{"Admin"})
	id, ok := ActorFromContext(ctx)
	if !ok || id != "acct_2" {
		t.Fatalf("actor = %q ok=%v", id, ok)
	}
	if !HasRole(ctx, "ADMIN") {
		t.Fatal("expected admin role")
	}
	if HasRole(ctx, "creator") {
		t.Fatal("unexpected creator role")
	}
}
