// Package session implements the account and session lifecycle: join, login,
// refresh rotation, revocation, and password changes.
//
// Concurrency correctness is delegated to the store: every state change is a
// single conditional write (compare-and-swap on the refresh secret, bulk
// conditional revokes), so no in-process locking is required.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"agora/internal/auth"
	"agora/internal/crypto"
	"agora/internal/model"
)

const (
	KindPassword = "password"
	KindGuest    = "guest"

	AccountKindMember = "member"
	AccountKindGuest  = "guest"
)

// AccountStore is the minimal account persistence needed by the Manager.
// Getters return (nil, nil) when no live row matches.
type AccountStore interface {
	CreateAccount(ctx context.Context, account model.Account) error
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	GetAccountByIdentifier(ctx context.Context, identifier string) (*model.Account, error)
	GetGuestAccount(ctx context.Context, fingerprint string) (*model.Account, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id, hash string, at time.Time) error
	SoftDeleteAccount(ctx context.Context, id string, at time.Time) error
}

// SessionStore is the minimal session persistence needed by the Manager.
type SessionStore interface {
	CreateSession(ctx context.Context, session model.Session) error
	GetSessionByID(ctx context.Context, id string) (*model.Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)

	// UpdateRefreshSecret is the refresh CAS: it matches the session by id AND
	// the previously stored hash, only while the session is still active.
	// Returns false when nothing matched (concurrent rotation or revocation).
	UpdateRefreshSecret(ctx context.Context, sessionID, oldHash, newHash string, lastSeenAt, expiresAt time.Time) (bool, error)

	// RevokeSession revokes one session iff it is not revoked yet.
	RevokeSession(ctx context.Context, sessionID string, at time.Time) (bool, error)

	// RevokeAccountSessions revokes every active session of the account in one
	// conditional bulk update, skipping exceptSessionID when non-empty.
	RevokeAccountSessions(ctx context.Context, accountID string, at time.Time, exceptSessionID string) (int64, error)

	ListSessions(ctx context.Context, accountID string) ([]model.Session, error)
}

type Config struct {
	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	RotateRefreshTokens    bool
	ExtendSessionOnRefresh bool
}

type Manager struct {
	accounts AccountStore
	sessions SessionStore
	cfg      Config
}

func NewManager(cfg Config, accounts AccountStore, sessions SessionStore) *Manager {
	return &Manager{accounts: accounts, sessions: sessions, cfg: cfg}
}

// ClientHints carries optional device metadata persisted with each session.
type ClientHints struct {
	UserAgent   string
	IPAddress   string
	Platform    string
	DeviceLabel string
}

type JoinParams struct {
	Email       string
	Handle      string
	Password    string
	DisplayName string
	Hints       ClientHints
}

type GuestParams struct {
	Fingerprint string
	DisplayName string
	Hints       ClientHints
}

// Issued is the result of any operation that mints tokens.
type Issued struct {
	AccountID        string
	SessionID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

var (
	emailPattern  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)
)

// Join creates a member account and its first session.
func (m *Manager) Join(ctx context.Context, params JoinParams) (*Issued, error) {
	email := strings.TrimSpace(strings.ToLower(params.Email))
	handle := strings.TrimSpace(params.Handle)
	if !handlePattern.MatchString(handle) {
		return nil, fmt.Errorf("%w: invalid handle", ErrInvalidArgument)
	}
	if email != "" && !emailPattern.MatchString(email) {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidArgument)
	}
	if len(params.Password) < 8 {
		return nil, fmt.Errorf("%w: password too short", ErrInvalidArgument)
	}

	hash, err := crypto.HashPassword(params.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	account := model.Account{
		ID:           uuid.NewString(),
		Handle:       &handle,
		PasswordHash: &hash,
		DisplayName:  strings.TrimSpace(params.DisplayName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if account.DisplayName == "" {
		account.DisplayName = handle
	}
	if email != "" {
		account.Email = &email
	}

	// Uniqueness is enforced by the store's partial unique indexes; the store
	// reports a collision with a live account as ErrConflict.
	if err := m.accounts.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	return m.openSession(ctx, account, KindPassword, params.Hints)
}

// JoinGuest creates or resumes a guest account correlated by device
// fingerprint; repeat calls with the same fingerprint share one identity.
func (m *Manager) JoinGuest(ctx context.Context, params GuestParams) (*Issued, error) {
	fingerprint := strings.TrimSpace(params.Fingerprint)
	if fingerprint == "" {
		return nil, fmt.Errorf("%w: missing fingerprint", ErrInvalidArgument)
	}

	account, err := m.accounts.GetGuestAccount(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("guest lookup: %w", err)
	}
	if account == nil {
		now := time.Now().UTC()
		created := model.Account{
			ID:               uuid.NewString(),
			DisplayName:      strings.TrimSpace(params.DisplayName),
			GuestFingerprint: &fingerprint,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if created.DisplayName == "" {
			created.DisplayName = "guest"
		}
		err := m.accounts.CreateAccount(ctx, created)
		if err == nil {
			account = &created
		} else if errors.Is(err, ErrConflict) {
			// Lost the insert race; the winner owns this fingerprint now.
			account, err = m.accounts.GetGuestAccount(ctx, fingerprint)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
		if account == nil {
			return nil, ErrAuthenticationFailed
		}
	}

	return m.openSession(ctx, *account, KindGuest, params.Hints)
}

// Login authenticates by email or handle. Unknown identifier and wrong
// password surface identically.
func (m *Manager) Login(ctx context.Context, identifier, password string, hints ClientHints) (*Issued, error) {
	identifier = strings.TrimSpace(strings.ToLower(identifier))
	if identifier == "" || password == "" {
		return nil, ErrAuthenticationFailed
	}

	account, err := m.accounts.GetAccountByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("account lookup: %w", err)
	}
	if account == nil || account.PasswordHash == nil {
		return nil, ErrAuthenticationFailed
	}
	if err := crypto.CheckPassword(*account.PasswordHash, password); err != nil {
		return nil, ErrAuthenticationFailed
	}

	return m.openSession(ctx, *account, KindPassword, hints)
}

// Refresh exchanges a refresh secret for a fresh access token, rotating the
// secret when rotation is enabled. The update is a single compare-and-swap on
// the stored hash, so a concurrently rotated or revoked session always fails.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, hints ClientHints) (*Issued, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" || len(refreshToken) > 4096 {
		return nil, ErrInvalidToken
	}

	oldHash := crypto.HashSecret(refreshToken)
	sess, err := m.sessions.GetSessionByTokenHash(ctx, oldHash)
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	now := time.Now().UTC()
	if sess == nil || !sess.Active(now) {
		return nil, ErrInvalidToken
	}

	account, err := m.accounts.GetAccountByID(ctx, sess.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account lookup: %w", err)
	}
	if account == nil {
		return nil, ErrInvalidToken
	}

	// Expiry may slide forward, never backward.
	expiresAt := sess.ExpiresAt
	if m.cfg.ExtendSessionOnRefresh {
		if candidate := now.Add(m.cfg.RefreshTokenTTL); candidate.After(expiresAt) {
			expiresAt = candidate
		}
	}

	newPlain := refreshToken
	newHash := oldHash
	if m.cfg.RotateRefreshTokens {
		newPlain, err = crypto.NewRefreshSecret()
		if err != nil {
			return nil, err
		}
		newHash = crypto.HashSecret(newPlain)
	}

	ok, err := m.sessions.UpdateRefreshSecret(ctx, sess.ID, oldHash, newHash, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("refresh update: %w", err)
	}
	if !ok {
		return nil, ErrInvalidToken
	}

	accessToken, accessExp, err := m.issueAccess(*account, sess.ID)
	if err != nil {
		return nil, err
	}

	return &Issued{
		AccountID:        account.ID,
		SessionID:        sess.ID,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     newPlain,
		RefreshExpiresAt: expiresAt,
	}, nil
}

// ValidateAccessToken verifies an access token and confirms the backing
// session is still active. Every failure collapses to ErrUnauthenticated.
func (m *Manager) ValidateAccessToken(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := auth.ParseToken(m.cfg.JWTSecret, m.cfg.JWTIssuer, token)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	sess, err := m.sessions.GetSessionByID(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	if sess == nil || sess.AccountID != claims.AccountID || !sess.Active(time.Now().UTC()) {
		return nil, ErrUnauthenticated
	}

	return claims, nil
}

// IdentifyAccessToken verifies an access token and resolves its backing
// session without requiring the session to still be active. Logout runs on
// this weaker check so a repeat call with the same token can report
// already_revoked instead of being bounced by the liveness guard.
func (m *Manager) IdentifyAccessToken(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := auth.ParseToken(m.cfg.JWTSecret, m.cfg.JWTIssuer, token)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	sess, err := m.sessions.GetSessionByID(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	if sess == nil || sess.AccountID != claims.AccountID {
		return nil, ErrUnauthenticated
	}

	return claims, nil
}

// Logout revokes the caller's own session. Repeating it reports
// StatusAlreadyRevoked instead of erroring.
func (m *Manager) Logout(ctx context.Context, sessionID string) (Status, error) {
	sess, err := m.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	if sess == nil {
		return "", ErrUnauthenticated
	}
	if sess.RevokedAt != nil {
		return StatusAlreadyRevoked, nil
	}

	revoked, err := m.sessions.RevokeSession(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("revoke: %w", err)
	}
	if !revoked {
		return StatusAlreadyRevoked, nil
	}
	return StatusRevoked, nil
}

// LogoutAll revokes every active session of the account as one bulk
// conditional update, so a session created mid-operation cannot escape by
// racing individual revokes.
func (m *Manager) LogoutAll(ctx context.Context, accountID string) (Status, error) {
	count, err := m.sessions.RevokeAccountSessions(ctx, accountID, time.Now().UTC(), "")
	if err != nil {
		return "", fmt.Errorf("revoke all: %w", err)
	}
	if count == 0 {
		return StatusAlreadyRevoked, nil
	}
	return StatusRevoked, nil
}

// RevokeSessionByID revokes one of the caller's sessions by id. A target that
// is missing or owned by another account fails Forbidden either way, so the
// outcome never reveals whether the session exists.
func (m *Manager) RevokeSessionByID(ctx context.Context, callerAccountID, targetSessionID string) (Status, error) {
	sess, err := m.sessions.GetSessionByID(ctx, targetSessionID)
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	if sess == nil || sess.AccountID != callerAccountID {
		return "", ErrForbidden
	}
	if sess.RevokedAt != nil {
		return StatusAlreadyRevoked, nil
	}

	revoked, err := m.sessions.RevokeSession(ctx, targetSessionID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("revoke: %w", err)
	}
	if !revoked {
		return StatusAlreadyRevoked, nil
	}
	return StatusRevoked, nil
}

// ChangePassword rotates the stored password hash after verifying the current
// password. On mismatch nothing is mutated. With revokeOthers set, every other
// session is revoked while the acting session always survives.
func (m *Manager) ChangePassword(ctx context.Context, accountID, actingSessionID, current, newPassword string, revokeOthers bool) error {
	if len(newPassword) < 8 {
		return fmt.Errorf("%w: password too short", ErrInvalidArgument)
	}

	account, err := m.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("account lookup: %w", err)
	}
	if account == nil || account.PasswordHash == nil {
		return ErrAuthenticationFailed
	}
	if err := crypto.CheckPassword(*account.PasswordHash, current); err != nil {
		return ErrAuthenticationFailed
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := m.accounts.UpdatePasswordHash(ctx, accountID, hash, time.Now().UTC()); err != nil {
		return fmt.Errorf("password update: %w", err)
	}

	if revokeOthers {
		if _, err := m.sessions.RevokeAccountSessions(ctx, accountID, time.Now().UTC(), actingSessionID); err != nil {
			return fmt.Errorf("revoke others: %w", err)
		}
	}
	return nil
}

// Deactivate soft-deletes the account and revokes all of its sessions.
func (m *Manager) Deactivate(ctx context.Context, accountID string) error {
	now := time.Now().UTC()
	if err := m.accounts.SoftDeleteAccount(ctx, accountID, now); err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	if _, err := m.sessions.RevokeAccountSessions(ctx, accountID, now, ""); err != nil {
		return fmt.Errorf("revoke all: %w", err)
	}
	return nil
}

// ListSessions returns every session row of the account for the device
// management surface.
func (m *Manager) ListSessions(ctx context.Context, accountID string) ([]model.Session, error) {
	return m.sessions.ListSessions(ctx, accountID)
}

func (m *Manager) openSession(ctx context.Context, account model.Account, kind string, hints ClientHints) (*Issued, error) {
	refreshPlain, err := crypto.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := model.Session{
		ID:               uuid.NewString(),
		AccountID:        account.ID,
		RefreshTokenHash: crypto.HashSecret(refreshPlain),
		CreatedAt:        now,
		LastSeenAt:       now,
		ExpiresAt:        now.Add(m.cfg.RefreshTokenTTL),
		SessionKind:      kind,
	}
	if hints.UserAgent != "" {
		sess.UserAgent = &hints.UserAgent
	}
	if hints.IPAddress != "" {
		sess.IPAddress = &hints.IPAddress
	}
	if hints.Platform != "" {
		sess.Platform = &hints.Platform
	}
	if hints.DeviceLabel != "" {
		sess.DeviceLabel = &hints.DeviceLabel
	}

	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := m.accounts.UpdateLastLogin(ctx, account.ID, now); err != nil {
		return nil, fmt.Errorf("last login: %w", err)
	}

	accessToken, accessExp, err := m.issueAccess(account, sess.ID)
	if err != nil {
		return nil, err
	}

	return &Issued{
		AccountID:        account.ID,
		SessionID:        sess.ID,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshPlain,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

func (m *Manager) issueAccess(account model.Account, sessionID string) (string, time.Time, error) {
	kind := AccountKindMember
	if account.Guest() {
		kind = AccountKindGuest
	}
	now := time.Now().UTC()
	token, err := auth.NewAccessToken(m.cfg.JWTSecret, m.cfg.JWTIssuer, m.cfg.AccessTokenTTL, auth.Claims{
		AccountID:   account.ID,
		SessionID:   sessionID,
		AccountKind: kind,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, now.Add(m.cfg.AccessTokenTTL), nil
}
