package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"agora/internal/auth"
	"agora/internal/config"
	"agora/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"BEARER abc123", "abc123"},
		{"Basic abc123", ""},
		{"Bearer", ""},
		{"abc123", ""},
	}
	for _, tc := range cases {
		if got := bearerToken(tc.header); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Errorf("remote addr: got %q", got)
	}

	req.Header.Set("X-Real-IP", "10.0.0.2")
	if got := clientIP(req); got != "10.0.0.2" {
		t.Errorf("x-real-ip: got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.3")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("x-forwarded-for: got %q", got)
	}
}

func TestLimitParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=25", nil)
	if got := limitParam(req, 50); got != 25 {
		t.Errorf("limit=25: got %d", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	if got := limitParam(req, 50); got != 50 {
		t.Errorf("missing limit: got %d", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/?limit=-3", nil)
	if got := limitParam(req, 50); got != 50 {
		t.Errorf("negative limit: got %d", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/?limit=abc", nil)
	if got := limitParam(req, 50); got != 50 {
		t.Errorf("junk limit: got %d", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/?limit=1000000", nil)
	if got := limitParam(req, 50); got != maxPageSize {
		t.Errorf("oversized limit: got %d, want %d", got, maxPageSize)
	}
}

func TestClaimsFromContext(t *testing.T) {
	if got := claimsFromContext(context.Background()); got != nil {
		t.Fatalf("empty context: got %+v", got)
	}

	claims := &auth.Claims{AccountID: "a", SessionID: "s"}
	ctx := context.WithValue(context.Background(), claimsKey{}, claims)
	if got := claimsFromContext(ctx); got != claims {
		t.Fatalf("got %+v, want %+v", got, claims)
	}
}

func TestWriteSessionErrorMapping(t *testing.T) {
	srv := NewServer(config.Config{}, testLogger(), nil, nil, nil)

	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{session.ErrInvalidArgument, http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("wrapped: %w", session.ErrInvalidArgument), http.StatusBadRequest, "invalid_request"},
		{session.ErrConflict, http.StatusConflict, "conflict"},
		{session.ErrAuthenticationFailed, http.StatusUnauthorized, "invalid_credentials"},
		{session.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
		{session.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{session.ErrForbidden, http.StatusForbidden, "forbidden"},
		{errors.New("connection reset"), http.StatusInternalServerError, "server_error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.writeSessionError(rec, "test", tc.err)
		if rec.Code != tc.wantStatus {
			t.Errorf("%v: status %d, want %d", tc.err, rec.Code, tc.wantStatus)
		}
		var body map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["error"] != tc.wantCode {
			t.Errorf("%v: code %q, want %q", tc.err, body["error"], tc.wantCode)
		}
	}
}
