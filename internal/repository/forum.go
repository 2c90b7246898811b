package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"agora/internal/model"
)

// ErrDuplicateName is returned when a community name collides with a live community.
var ErrDuplicateName = errors.New("duplicate name")

func (s *Store) CreateCommunity(ctx context.Context, community model.Community) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO communities (id, name, title, description, category, created_by, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, community.ID, community.Name, community.Title, community.Description, community.Category, community.CreatedBy, community.CreatedAt, community.UpdatedAt, community.DeletedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateName, community.Name)
	}
	return err
}

const communityColumns = `id, name, title, description, category, created_by, created_at, updated_at, deleted_at`

func (s *Store) GetCommunityByName(ctx context.Context, name string) (model.Community, error) {
	var community model.Community
	row := s.pool.QueryRow(ctx, `
		SELECT `+communityColumns+`
		FROM communities
		WHERE LOWER(name) = LOWER($1) AND deleted_at IS NULL
	`, name)
	err := row.Scan(&community.ID, &community.Name, &community.Title, &community.Description, &community.Category, &community.CreatedBy, &community.CreatedAt, &community.UpdatedAt, &community.DeletedAt)
	return community, err
}

func (s *Store) ListCommunities(ctx context.Context, limit int) ([]model.Community, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+communityColumns+`
		FROM communities
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var communities []model.Community
	for rows.Next() {
		var community model.Community
		if err := rows.Scan(&community.ID, &community.Name, &community.Title, &community.Description, &community.Category, &community.CreatedBy, &community.CreatedAt, &community.UpdatedAt, &community.DeletedAt); err != nil {
			return nil, err
		}
		communities = append(communities, community)
	}
	return communities, rows.Err()
}

type CommunityUpdate struct {
	Title       *string
	Description *string
	Category    *string
}

func (s *Store) UpdateCommunity(ctx context.Context, id string, update CommunityUpdate, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE communities
		SET title = COALESCE($1, title),
		    description = COALESCE($2, description),
		    category = COALESCE($3, category),
		    updated_at = $4
		WHERE id = $5 AND deleted_at IS NULL
	`, update.Title, update.Description, update.Category, at, id)
	return err
}

func (s *Store) SoftDeleteCommunity(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE communities SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL
	`, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReplaceCommunityRules swaps the full rule set in one transaction.
func (s *Store) ReplaceCommunityRules(ctx context.Context, communityID string, rules []model.CommunityRule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM community_rules WHERE community_id = $1`, communityID); err != nil {
		return err
	}
	for _, rule := range rules {
		if _, err := tx.Exec(ctx, `
			INSERT INTO community_rules (id, community_id, ordinal, rule_text)
			VALUES ($1, $2, $3, $4)
		`, rule.ID, communityID, rule.Ordinal, rule.Text); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListCommunityRules(ctx context.Context, communityID string) ([]model.CommunityRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, community_id, ordinal, rule_text
		FROM community_rules
		WHERE community_id = $1
		ORDER BY ordinal
	`, communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.CommunityRule
	for rows.Next() {
		var rule model.CommunityRule
		if err := rows.Scan(&rule.ID, &rule.CommunityID, &rule.Ordinal, &rule.Text); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *Store) CreatePost(ctx context.Context, post model.Post) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO posts (id, community_id, author_id, title, body, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, post.ID, post.CommunityID, post.AuthorID, post.Title, post.Body, post.CreatedAt, post.UpdatedAt, post.DeletedAt)
	return err
}

const postColumns = `id, community_id, author_id, title, body, created_at, updated_at, deleted_at`

func (s *Store) GetPostByID(ctx context.Context, id string) (model.Post, error) {
	var post model.Post
	row := s.pool.QueryRow(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	err := row.Scan(&post.ID, &post.CommunityID, &post.AuthorID, &post.Title, &post.Body, &post.CreatedAt, &post.UpdatedAt, &post.DeletedAt)
	return post, err
}

func (s *Store) ListPostsByCommunity(ctx context.Context, communityID string, limit int) ([]model.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE community_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2
	`, communityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var post model.Post
		if err := rows.Scan(&post.ID, &post.CommunityID, &post.AuthorID, &post.Title, &post.Body, &post.CreatedAt, &post.UpdatedAt, &post.DeletedAt); err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

type PostUpdate struct {
	Title *string
	Body  *string
}

func (s *Store) UpdatePost(ctx context.Context, id string, update PostUpdate, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET title = COALESCE($1, title),
		    body = COALESCE($2, body),
		    updated_at = $3
		WHERE id = $4 AND deleted_at IS NULL
	`, update.Title, update.Body, at, id)
	return err
}

func (s *Store) SoftDeletePost(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL
	`, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CreateComment(ctx context.Context, comment model.Comment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comments (id, post_id, author_id, parent_id, body, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, comment.ID, comment.PostID, comment.AuthorID, comment.ParentID, comment.Body, comment.CreatedAt, comment.UpdatedAt, comment.DeletedAt)
	return err
}

const commentColumns = `id, post_id, author_id, parent_id, body, created_at, updated_at, deleted_at`

func (s *Store) GetCommentByID(ctx context.Context, id string) (model.Comment, error) {
	var comment model.Comment
	row := s.pool.QueryRow(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	err := row.Scan(&comment.ID, &comment.PostID, &comment.AuthorID, &comment.ParentID, &comment.Body, &comment.CreatedAt, &comment.UpdatedAt, &comment.DeletedAt)
	return comment, err
}

func (s *Store) ListCommentsByPost(ctx context.Context, postID string, limit int) ([]model.Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE post_id = $1 AND deleted_at IS NULL
		ORDER BY created_at
		LIMIT $2
	`, postID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []model.Comment
	for rows.Next() {
		var comment model.Comment
		if err := rows.Scan(&comment.ID, &comment.PostID, &comment.AuthorID, &comment.ParentID, &comment.Body, &comment.CreatedAt, &comment.UpdatedAt, &comment.DeletedAt); err != nil {
			return nil, err
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

func (s *Store) UpdateCommentBody(ctx context.Context, id, body string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE comments SET body = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL
	`, body, at, id)
	return err
}

func (s *Store) SoftDeleteComment(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE comments SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL
	`, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetVote upserts the caller's vote; value 0 clears it.
func (s *Store) SetVote(ctx context.Context, accountID, subjectKind, subjectID string, value int16, at time.Time) error {
	if value == 0 {
		_, err := s.pool.Exec(ctx, `
			DELETE FROM votes WHERE account_id = $1 AND subject_kind = $2 AND subject_id = $3
		`, accountID, subjectKind, subjectID)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO votes (account_id, subject_kind, subject_id, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (account_id, subject_kind, subject_id)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, accountID, subjectKind, subjectID, value, at)
	return err
}

func (s *Store) VoteTally(ctx context.Context, subjectKind, subjectID string) (int64, error) {
	var tally int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(value), 0) FROM votes WHERE subject_kind = $1 AND subject_id = $2
	`, subjectKind, subjectID).Scan(&tally)
	return tally, err
}
