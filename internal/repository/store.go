package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agora/internal/model"
	"agora/internal/session"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateAccount(ctx context.Context, account model.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, handle, password_hash, display_name, guest_fingerprint, last_login_at, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, account.ID, account.Email, account.Handle, account.PasswordHash, account.DisplayName, account.GuestFingerprint, account.LastLoginAt, account.CreatedAt, account.UpdatedAt, account.DeletedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: account exists", session.ErrConflict)
	}
	return err
}

const accountColumns = `id, email, handle, password_hash, display_name, guest_fingerprint, last_login_at, created_at, updated_at, deleted_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var account model.Account
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.Handle,
		&account.PasswordHash,
		&account.DisplayName,
		&account.GuestFingerprint,
		&account.LastLoginAt,
		&account.CreatedAt,
		&account.UpdatedAt,
		&account.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1 AND deleted_at IS NULL
	`, id))
}

// GetAccountByIdentifier resolves a live account by normalized email or handle.
func (s *Store) GetAccountByIdentifier(ctx context.Context, identifier string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE (LOWER(email) = $1 OR LOWER(handle) = $1) AND deleted_at IS NULL
	`, identifier))
}

func (s *Store) GetGuestAccount(ctx context.Context, fingerprint string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE guest_fingerprint = $1 AND deleted_at IS NULL
	`, fingerprint))
}

func (s *Store) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET last_login_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL
	`, at, id)
	return err
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET password_hash = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL
	`, hash, at, id)
	return err
}

func (s *Store) UpdateDisplayName(ctx context.Context, id, displayName string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET display_name = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL
	`, displayName, at, id)
	return err
}

func (s *Store) SoftDeleteAccount(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL
	`, at, id)
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, account_id, refresh_token_hash, created_at, last_seen_at, expires_at, revoked_at, user_agent, ip_address, platform, device_label, session_kind, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, sess.ID, sess.AccountID, sess.RefreshTokenHash, sess.CreatedAt, sess.LastSeenAt, sess.ExpiresAt, sess.RevokedAt, sess.UserAgent, sess.IPAddress, sess.Platform, sess.DeviceLabel, sess.SessionKind, sess.DeletedAt)
	return err
}

const sessionColumns = `id, account_id, refresh_token_hash, created_at, last_seen_at, expires_at, revoked_at, user_agent, ip_address, platform, device_label, session_kind, deleted_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	err := row.Scan(
		&sess.ID,
		&sess.AccountID,
		&sess.RefreshTokenHash,
		&sess.CreatedAt,
		&sess.LastSeenAt,
		&sess.ExpiresAt,
		&sess.RevokedAt,
		&sess.UserAgent,
		&sess.IPAddress,
		&sess.Platform,
		&sess.DeviceLabel,
		&sess.SessionKind,
		&sess.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) GetSessionByID(ctx context.Context, id string) (*model.Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE id = $1
	`, id))
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE refresh_token_hash = $1
	`, tokenHash))
}

// UpdateRefreshSecret is the rotation CAS. Matching on the old hash while the
// session is still active makes a stale or concurrent refresh a clean miss.
func (s *Store) UpdateRefreshSecret(ctx context.Context, sessionID, oldHash, newHash string, lastSeenAt, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET refresh_token_hash = $1, last_seen_at = $2, expires_at = GREATEST(expires_at, $3)
		WHERE id = $4 AND refresh_token_hash = $5 AND revoked_at IS NULL AND deleted_at IS NULL AND expires_at > $2
	`, newHash, lastSeenAt, expiresAt, sessionID, oldHash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RevokeSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL
	`, at, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAccountSessions is a single bulk conditional update so no session can
// slip between a read and a per-row write.
func (s *Store) RevokeAccountSessions(ctx context.Context, accountID string, at time.Time, exceptSessionID string) (int64, error) {
	if exceptSessionID != "" {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sessions SET revoked_at = $1
			WHERE account_id = $2 AND id <> $3 AND revoked_at IS NULL AND deleted_at IS NULL
		`, at, accountID, exceptSessionID)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $1
		WHERE account_id = $2 AND revoked_at IS NULL AND deleted_at IS NULL
	`, at, accountID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListSessions(ctx context.Context, accountID string) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE account_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) GrantRole(ctx context.Context, accountID, role string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO role_assignments (account_id, role, granted_at, revoked_at)
		VALUES ($1, $2, $3, NULL)
	`, accountID, role, at)
	return err
}

func (s *Store) RevokeRole(ctx context.Context, accountID, role string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE role_assignments SET revoked_at = $1
		WHERE account_id = $2 AND role = $3 AND revoked_at IS NULL
	`, at, accountID, role)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// HasActiveRole is read on every elevated-privilege request so a revoked grant
// takes effect immediately, independent of session state.
func (s *Store) HasActiveRole(ctx context.Context, accountID, role string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_assignments
			WHERE account_id = $1 AND role = $2 AND revoked_at IS NULL
		)
	`, accountID, role).Scan(&exists)
	return exists, err
}
