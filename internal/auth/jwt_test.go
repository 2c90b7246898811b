package auth

import (
	"testing"
	"time"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", time.Minute, Claims{
		AccountID:   "account-1",
		SessionID:   "session-1",
		AccountKind: "member",
	})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	claims, err := ParseToken("secret", "issuer", token)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	if claims.AccountID != "account-1" || claims.SessionID != "session-1" || claims.AccountKind != "member" {
		t.Fatalf("unexpected claims")
	}
}

func TestParseTokenRejectsBadSecret(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", time.Minute, Claims{AccountID: "account-1"})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if _, err := ParseToken("other-secret", "issuer", token); err == nil {
		t.Fatalf("expected signature verification to fail")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", -time.Minute, Claims{AccountID: "account-1"})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if _, err := ParseToken("secret", "issuer", token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestParseTokenRejectsWrongIssuer(t *testing.T) {
	token, err := NewAccessToken("secret", "someone-else", time.Minute, Claims{AccountID: "account-1"})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if _, err := ParseToken("secret", "issuer", token); err == nil {
		t.Fatalf("expected issuer mismatch to fail")
	}
}
