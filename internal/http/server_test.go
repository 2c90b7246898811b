package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/db/migrate"
	"agora/internal/repository"
	"agora/internal/session"
	"agora/internal/throttle"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("AGORA_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("AGORA_TEST_DB or DATABASE_URL not set")
		return nil
	}
	if err := migrate.Run(url, "up"); err != nil {
		t.Skipf("migrations failed: %v", err)
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	return pool
}

func newTestApp(t *testing.T, pool *pgxpool.Pool) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		HTTPAddr:               ":0",
		JWTSecret:              "test-secret",
		JWTIssuer:              "test-issuer",
		AccessTokenTTL:         15 * time.Minute,
		RefreshTokenTTL:        time.Hour,
		RotateRefreshTokens:    true,
		ExtendSessionOnRefresh: true,
	}
	store := repository.NewStore(pool)
	manager := session.NewManager(session.Config{
		JWTSecret:              cfg.JWTSecret,
		JWTIssuer:              cfg.JWTIssuer,
		AccessTokenTTL:         cfg.AccessTokenTTL,
		RefreshTokenTTL:        cfg.RefreshTokenTTL,
		RotateRefreshTokens:    cfg.RotateRefreshTokens,
		ExtendSessionOnRefresh: cfg.ExtendSessionOnRefresh,
	}, store, store)
	limiter := throttle.NewLoginLimiter(nil, 10, time.Minute)

	server := NewServer(cfg, testLogger(), store, manager, limiter)
	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)
	return app
}

func doReq(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func uniqueHandle(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano()%1_000_000_000)
}

func TestAuthFlow(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app := newTestApp(t, pool)

	handle := uniqueHandle("flow")
	password := "integration-pass"

	// Join.
	resp := doReq(t, http.MethodPost, app.URL+"/auth/join", "", map[string]interface{}{
		"handle":   handle,
		"email":    handle + "@example.local",
		"password": password,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d", resp.StatusCode)
	}
	joined := decodeBody(t, resp)
	accessToken, _ := joined["access_token"].(string)
	refreshToken, _ := joined["refresh_token"].(string)
	if accessToken == "" || refreshToken == "" {
		t.Fatalf("join response missing tokens: %v", joined)
	}

	// Duplicate handle conflicts regardless of case.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/join", "", map[string]interface{}{
		"handle":   handle,
		"password": password,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate join: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Protected route with the access token.
	resp = doReq(t, http.MethodGet, app.URL+"/accounts/me", accessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Refresh rotates; the old refresh token dies.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/refresh", "", map[string]interface{}{
		"refresh_token": refreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", resp.StatusCode)
	}
	refreshed := decodeBody(t, resp)
	newRefresh, _ := refreshed["refresh_token"].(string)
	if newRefresh == "" || newRefresh == refreshToken {
		t.Fatalf("refresh did not rotate the token")
	}

	resp = doReq(t, http.MethodPost, app.URL+"/auth/refresh", "", map[string]interface{}{
		"refresh_token": refreshToken,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale refresh: expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Login again, then logout-all and confirm the guard rejects the token.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"identifier": handle,
		"password":   password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	second := decodeBody(t, resp)
	secondAccess, _ := second["access_token"].(string)

	resp = doReq(t, http.MethodPost, app.URL+"/auth/logout-all", secondAccess, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout-all: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doReq(t, http.MethodGet, app.URL+"/accounts/me", secondAccess, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("post logout-all: expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionManagementEndpoints(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app := newTestApp(t, pool)

	handle := uniqueHandle("sess")
	password := "integration-pass"

	resp := doReq(t, http.MethodPost, app.URL+"/auth/join", "", map[string]interface{}{
		"handle":   handle,
		"password": password,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d", resp.StatusCode)
	}
	first := decodeBody(t, resp)
	firstAccess, _ := first["access_token"].(string)

	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"identifier":   handle,
		"password":     password,
		"device_label": "second device",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	second := decodeBody(t, resp)
	secondSession, _ := second["session_id"].(string)

	// Two sessions visible, one marked current.
	resp = doReq(t, http.MethodGet, app.URL+"/auth/sessions", firstAccess, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions: expected 200, got %d", resp.StatusCode)
	}
	listed := decodeBody(t, resp)
	sessions, _ := listed["sessions"].([]interface{})
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	// Revoke the second session from the first.
	resp = doReq(t, http.MethodDelete, app.URL+"/auth/sessions/"+secondSession, firstAccess, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Repeat revoke reports already revoked, not an error.
	resp = doReq(t, http.MethodDelete, app.URL+"/auth/sessions/"+secondSession, firstAccess, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat revoke: expected 200, got %d", resp.StatusCode)
	}
	repeat := decodeBody(t, resp)
	if repeat["status"] != "already_revoked" {
		t.Fatalf("expected already_revoked, got %v", repeat["status"])
	}

	// A made-up target is forbidden.
	resp = doReq(t, http.MethodDelete, app.URL+"/auth/sessions/00000000-0000-0000-0000-000000000000", firstAccess, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign revoke: expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestForumEndpoints(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()
	app := newTestApp(t, pool)

	handle := uniqueHandle("forum")
	resp := doReq(t, http.MethodPost, app.URL+"/auth/join", "", map[string]interface{}{
		"handle":   handle,
		"password": "integration-pass",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d", resp.StatusCode)
	}
	joined := decodeBody(t, resp)
	token, _ := joined["access_token"].(string)

	communityName := uniqueHandle("go_talk")
	resp = doReq(t, http.MethodPost, app.URL+"/communities/", token, map[string]interface{}{
		"name":  communityName,
		"title": "Go Talk",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("community create: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Duplicate name conflicts.
	resp = doReq(t, http.MethodPost, app.URL+"/communities/", token, map[string]interface{}{
		"name":  communityName,
		"title": "Go Talk Again",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate community: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Rules replace wholesale.
	resp = doReq(t, http.MethodPut, app.URL+"/communities/"+communityName+"/rules", token, map[string]interface{}{
		"rules": []string{"be kind", "stay on topic"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rules: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Post, comment, vote.
	resp = doReq(t, http.MethodPost, app.URL+"/communities/"+communityName+"/posts", token, map[string]interface{}{
		"title": "first post",
		"body":  "hello",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post create: expected 201, got %d", resp.StatusCode)
	}
	post := decodeBody(t, resp)
	postID, _ := post["id"].(string)

	resp = doReq(t, http.MethodPost, app.URL+"/posts/"+postID+"/comments", token, map[string]interface{}{
		"body": "first comment",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("comment create: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doReq(t, http.MethodPost, app.URL+"/posts/"+postID+"/votes", token, map[string]interface{}{
		"value": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("vote: expected 200, got %d", resp.StatusCode)
	}
	voted := decodeBody(t, resp)
	if score, _ := voted["score"].(float64); score != 1 {
		t.Fatalf("expected score 1, got %v", voted["score"])
	}

	// Clearing the vote brings the tally back to zero.
	resp = doReq(t, http.MethodPost, app.URL+"/posts/"+postID+"/votes", token, map[string]interface{}{
		"value": 0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear vote: expected 200, got %d", resp.StatusCode)
	}
	cleared := decodeBody(t, resp)
	if score, _ := cleared["score"].(float64); score != 0 {
		t.Fatalf("expected score 0, got %v", cleared["score"])
	}

	// Anonymous reads work.
	resp = doReq(t, http.MethodGet, app.URL+"/communities/"+communityName, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("anonymous get: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
