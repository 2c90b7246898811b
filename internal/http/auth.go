package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agora/internal/session"
)

type issuedResponse struct {
	AccountID        string    `json:"account_id"`
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func issuedPayload(issued *session.Issued) issuedResponse {
	return issuedResponse{
		AccountID:        issued.AccountID,
		SessionID:        issued.SessionID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExpiresAt,
	}
}

func hintsFromRequest(r *http.Request, platform, deviceLabel string) session.ClientHints {
	return session.ClientHints{
		UserAgent:   r.UserAgent(),
		IPAddress:   clientIP(r),
		Platform:    platform,
		DeviceLabel: deviceLabel,
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Handle      string `json:"handle"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
		Platform    string `json:"platform"`
		DeviceLabel string `json:"device_label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	issued, err := s.manager.Join(r.Context(), session.JoinParams{
		Email:       req.Email,
		Handle:      req.Handle,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Hints:       hintsFromRequest(r, req.Platform, req.DeviceLabel),
	})
	if err != nil {
		authOps.WithLabelValues("join", "failure").Inc()
		s.writeSessionError(w, "join", err)
		return
	}

	authOps.WithLabelValues("join", "success").Inc()
	writeJSON(w, http.StatusCreated, issuedPayload(issued))
}

func (s *Server) handleJoinGuest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
		DisplayName string `json:"display_name"`
		Platform    string `json:"platform"`
		DeviceLabel string `json:"device_label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	issued, err := s.manager.JoinGuest(r.Context(), session.GuestParams{
		Fingerprint: req.Fingerprint,
		DisplayName: req.DisplayName,
		Hints:       hintsFromRequest(r, req.Platform, req.DeviceLabel),
	})
	if err != nil {
		authOps.WithLabelValues("join_guest", "failure").Inc()
		s.writeSessionError(w, "join_guest", err)
		return
	}

	authOps.WithLabelValues("join_guest", "success").Inc()
	writeJSON(w, http.StatusCreated, issuedPayload(issued))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier  string `json:"identifier"`
		Password    string `json:"password"`
		Platform    string `json:"platform"`
		DeviceLabel string `json:"device_label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ip := clientIP(r)
	allowed, err := s.limiter.Allow(r.Context(), req.Identifier, ip)
	if err != nil {
		s.log.Warn("login throttle check", "err", err)
	}
	if !allowed {
		authOps.WithLabelValues("login", "throttled").Inc()
		writeError(w, http.StatusTooManyRequests, "too_many_attempts")
		return
	}

	issued, err := s.manager.Login(r.Context(), req.Identifier, req.Password,
		hintsFromRequest(r, req.Platform, req.DeviceLabel))
	if err != nil {
		if recordErr := s.limiter.Record(r.Context(), req.Identifier, ip); recordErr != nil {
			s.log.Warn("login throttle record", "err", recordErr)
		}
		authOps.WithLabelValues("login", "failure").Inc()
		s.writeSessionError(w, "login", err)
		return
	}

	s.limiter.Reset(r.Context(), req.Identifier, ip)
	authOps.WithLabelValues("login", "success").Inc()
	writeJSON(w, http.StatusOK, issuedPayload(issued))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
		Platform     string `json:"platform"`
		DeviceLabel  string `json:"device_label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	issued, err := s.manager.Refresh(r.Context(), req.RefreshToken,
		hintsFromRequest(r, req.Platform, req.DeviceLabel))
	if err != nil {
		authOps.WithLabelValues("refresh", "failure").Inc()
		s.writeSessionError(w, "refresh", err)
		return
	}

	authOps.WithLabelValues("refresh", "success").Inc()
	writeJSON(w, http.StatusOK, issuedPayload(issued))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	// Weaker check than the guard: the session must resolve and match the
	// claims, but may already be revoked.
	claims, err := s.manager.IdentifyAccessToken(r.Context(), token)
	if err != nil {
		s.writeSessionError(w, "logout", err)
		return
	}

	status, err := s.manager.Logout(r.Context(), claims.SessionID)
	if err != nil {
		s.writeSessionError(w, "logout", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	status, err := s.manager.LogoutAll(r.Context(), claims.AccountID)
	if err != nil {
		s.writeSessionError(w, "logout_all", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
		RevokeOthers    bool   `json:"revoke_other_sessions"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	err := s.manager.ChangePassword(r.Context(), claims.AccountID, claims.SessionID,
		req.CurrentPassword, req.NewPassword, req.RevokeOthers)
	if err != nil {
		authOps.WithLabelValues("change_password", "failure").Inc()
		s.writeSessionError(w, "change_password", err)
		return
	}

	authOps.WithLabelValues("change_password", "success").Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type sessionSummary struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	UserAgent   *string    `json:"user_agent,omitempty"`
	IPAddress   *string    `json:"ip_address,omitempty"`
	Platform    *string    `json:"platform,omitempty"`
	DeviceLabel *string    `json:"device_label,omitempty"`
	Current     bool       `json:"current"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	sessions, err := s.manager.ListSessions(r.Context(), claims.AccountID)
	if err != nil {
		s.writeSessionError(w, "list_sessions", err)
		return
	}

	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary{
			ID:          sess.ID,
			CreatedAt:   sess.CreatedAt,
			LastSeenAt:  sess.LastSeenAt,
			ExpiresAt:   sess.ExpiresAt,
			RevokedAt:   sess.RevokedAt,
			UserAgent:   sess.UserAgent,
			IPAddress:   sess.IPAddress,
			Platform:    sess.Platform,
			DeviceLabel: sess.DeviceLabel,
			Current:     sess.ID == claims.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionId")

	status, err := s.manager.RevokeSessionByID(r.Context(), claims.AccountID, sessionID)
	if err != nil {
		s.writeSessionError(w, "revoke_session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     string(status),
		"session_id": sessionID,
	})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	account, err := s.store.GetAccountByID(r.Context(), claims.AccountID)
	if err != nil {
		s.log.Error("account lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	kind := "member"
	if account.Guest() {
		kind = "guest"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            account.ID,
		"email":         account.Email,
		"handle":        account.Handle,
		"display_name":  account.DisplayName,
		"kind":          kind,
		"created_at":    account.CreatedAt,
		"last_login_at": account.LastLoginAt,
	})
}

func (s *Server) handlePatchMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.store.UpdateDisplayName(r.Context(), claims.AccountID, req.DisplayName, time.Now().UTC()); err != nil {
		s.log.Error("display name update", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"display_name": req.DisplayName})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	if err := s.manager.Deactivate(r.Context(), claims.AccountID); err != nil {
		s.writeSessionError(w, "deactivate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Role      string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil || req.AccountID == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.store.GrantRole(r.Context(), req.AccountID, req.Role, time.Now().UTC()); err != nil {
		s.log.Error("role grant", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"account_id": req.AccountID,
		"role":       req.Role,
	})
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	role := r.URL.Query().Get("role")
	if role == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	revoked, err := s.store.RevokeRole(r.Context(), accountID, role, time.Now().UTC())
	if err != nil {
		s.log.Error("role revoke", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !revoked {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id": accountID,
		"role":       role,
	})
}
