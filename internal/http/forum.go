package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agora/internal/model"
	"agora/internal/repository"
	"agora/internal/session"
)

const (
	subjectPost    = "post"
	subjectComment = "comment"

	defaultPageSize = 50
)

func communityPayload(c model.Community) map[string]interface{} {
	return map[string]interface{}{
		"id":          c.ID,
		"name":        c.Name,
		"title":       c.Title,
		"description": c.Description,
		"category":    c.Category,
		"created_by":  c.CreatedBy,
		"created_at":  c.CreatedAt,
		"updated_at":  c.UpdatedAt,
	}
}

func postPayload(p model.Post) map[string]interface{} {
	return map[string]interface{}{
		"id":           p.ID,
		"community_id": p.CommunityID,
		"author_id":    p.AuthorID,
		"title":        p.Title,
		"body":         p.Body,
		"created_at":   p.CreatedAt,
		"updated_at":   p.UpdatedAt,
	}
}

func commentPayload(c model.Comment) map[string]interface{} {
	return map[string]interface{}{
		"id":         c.ID,
		"post_id":    c.PostID,
		"author_id":  c.AuthorID,
		"parent_id":  c.ParentID,
		"body":       c.Body,
		"created_at": c.CreatedAt,
		"updated_at": c.UpdatedAt,
	}
}

func (s *Server) handleCreateCommunity(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.AccountKind != session.AccountKindMember {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req struct {
		Name        string  `json:"name"`
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Category    *string `json:"category"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	now := time.Now().UTC()
	community := model.Community{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		CreatedBy:   claims.AccountID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateCommunity(r.Context(), community); err != nil {
		if errors.Is(err, repository.ErrDuplicateName) {
			writeError(w, http.StatusConflict, "conflict")
			return
		}
		s.log.Error("community create", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, communityPayload(community))
}

func (s *Server) handleListCommunities(w http.ResponseWriter, r *http.Request) {
	communities, err := s.store.ListCommunities(r.Context(), limitParam(r, defaultPageSize))
	if err != nil {
		s.log.Error("community list", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	out := make([]map[string]interface{}, 0, len(communities))
	for _, c := range communities {
		out = append(out, communityPayload(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"communities": out})
}

func (s *Server) handleGetCommunity(w http.ResponseWriter, r *http.Request) {
	community, err := s.store.GetCommunityByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("community get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	rules, err := s.store.ListCommunityRules(r.Context(), community.ID)
	if err != nil {
		s.log.Error("community rules", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	payload := communityPayload(community)
	ruleTexts := make([]string, 0, len(rules))
	for _, rule := range rules {
		ruleTexts = append(ruleTexts, rule.Text)
	}
	payload["rules"] = ruleTexts
	writeJSON(w, http.StatusOK, payload)
}

// canModerateCommunity allows the creator or a site admin.
func (s *Server) canModerateCommunity(r *http.Request, community model.Community) (bool, error) {
	claims := claimsFromContext(r.Context())
	if community.CreatedBy == claims.AccountID {
		return true, nil
	}
	return s.store.HasActiveRole(r.Context(), claims.AccountID, roleSiteAdmin)
}

func (s *Server) handlePatchCommunity(w http.ResponseWriter, r *http.Request) {
	community, err := s.store.GetCommunityByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("community get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	allowed, err := s.canModerateCommunity(r, community)
	if err != nil {
		s.log.Error("role lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Category    *string `json:"category"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	update := repository.CommunityUpdate{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
	}
	if err := s.store.UpdateCommunity(r.Context(), community.ID, update, time.Now().UTC()); err != nil {
		s.log.Error("community update", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": community.ID})
}

func (s *Server) handleDeleteCommunity(w http.ResponseWriter, r *http.Request) {
	community, err := s.store.GetCommunityByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("community get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	allowed, err := s.canModerateCommunity(r, community)
	if err != nil {
		s.log.Error("role lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	deleted, err := s.store.SoftDeleteCommunity(r.Context(), community.ID, time.Now().UTC())
	if err != nil {
		s.log.Error("community delete", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePutCommunityRules(w http.ResponseWriter, r *http.Request) {
	community, err := s.store.GetCommunityByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("community get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	allowed, err := s.canModerateCommunity(r, community)
	if err != nil {
		s.log.Error("role lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req struct {
		Rules []string `json:"rules"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	rules := make([]model.CommunityRule, 0, len(req.Rules))
	for i, text := range req.Rules {
		text = strings.TrimSpace(text)
		if text == "" {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		rules = append(rules, model.CommunityRule{
			ID:          uuid.NewString(),
			CommunityID: community.ID,
			Ordinal:     i + 1,
			Text:        text,
		})
	}

	if err := s.store.ReplaceCommunityRules(r.Context(), community.ID, rules); err != nil {
		s.log.Error("community rules replace", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": len(rules)})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	community, err := s.store.GetCommunityByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("community get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	now := time.Now().UTC()
	post := model.Post{
		ID:          uuid.NewString(),
		CommunityID: community.ID,
		AuthorID:    claims.AccountID,
		Title:       strings.TrimSpace(req.Title),
		Body:        req.Body,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePost(r.Context(), post); err != nil {
		s.log.Error("post create", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, postPayload(post))
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	community, err := s.store.GetCommunityByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("community get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	posts, err := s.store.ListPostsByCommunity(r.Context(), community.ID, limitParam(r, defaultPageSize))
	if err != nil {
		s.log.Error("post list", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	out := make([]map[string]interface{}, 0, len(posts))
	for _, post := range posts {
		out = append(out, postPayload(post))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"posts": out})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.GetPostByID(r.Context(), chi.URLParam(r, "postId"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("post get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	tally, err := s.store.VoteTally(r.Context(), subjectPost, post.ID)
	if err != nil {
		s.log.Error("vote tally", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	payload := postPayload(post)
	payload["score"] = tally
	writeJSON(w, http.StatusOK, payload)
}

// canEditAuthored allows the author or a site admin.
func (s *Server) canEditAuthored(r *http.Request, authorID string) (bool, error) {
	claims := claimsFromContext(r.Context())
	if authorID == claims.AccountID {
		return true, nil
	}
	return s.store.HasActiveRole(r.Context(), claims.AccountID, roleSiteAdmin)
}

func (s *Server) handlePatchPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.GetPostByID(r.Context(), chi.URLParam(r, "postId"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("post get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	allowed, err := s.canEditAuthored(r, post.AuthorID)
	if err != nil {
		s.log.Error("role lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req struct {
		Title *string `json:"title"`
		Body  *string `json:"body"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	update := repository.PostUpdate{Title: req.Title, Body: req.Body}
	if err := s.store.UpdatePost(r.Context(), post.ID, update, time.Now().UTC()); err != nil {
		s.log.Error("post update", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": post.ID})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.GetPostByID(r.Context(), chi.URLParam(r, "postId"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("post get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	allowed, err := s.canEditAuthored(r, post.AuthorID)
	if err != nil {
		s.log.Error("role lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	deleted, err := s.store.SoftDeletePost(r.Context(), post.ID, time.Now().UTC())
	if err != nil {
		s.log.Error("post delete", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	post, err := s.store.GetPostByID(r.Context(), chi.URLParam(r, "postId"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("post get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	var req struct {
		Body     string  `json:"body"`
		ParentID *string `json:"parent_id"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if req.ParentID != nil {
		parent, err := s.store.GetCommentByID(r.Context(), *req.ParentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				writeError(w, http.StatusBadRequest, "invalid_request")
				return
			}
			s.log.Error("comment get", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		if parent.PostID != post.ID {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
	}

	now := time.Now().UTC()
	comment := model.Comment{
		ID:        uuid.NewString(),
		PostID:    post.ID,
		AuthorID:  claims.AccountID,
		ParentID:  req.ParentID,
		Body:      req.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateComment(r.Context(), comment); err != nil {
		s.log.Error("comment create", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, commentPayload(comment))
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postId")

	comments, err := s.store.ListCommentsByPost(r.Context(), postID, limitParam(r, defaultPageSize))
	if err != nil {
		s.log.Error("comment list", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	out := make([]map[string]interface{}, 0, len(comments))
	for _, comment := range comments {
		out = append(out, commentPayload(comment))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"comments": out})
}

func (s *Server) handlePatchComment(w http.ResponseWriter, r *http.Request) {
	comment, err := s.store.GetCommentByID(r.Context(), chi.URLParam(r, "commentId"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("comment get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	allowed, err := s.canEditAuthored(r, comment.AuthorID)
	if err != nil {
		s.log.Error("role lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req struct {
		Body string `json:"body"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.store.UpdateCommentBody(r.Context(), comment.ID, req.Body, time.Now().UTC()); err != nil {
		s.log.Error("comment update", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": comment.ID})
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	comment, err := s.store.GetCommentByID(r.Context(), chi.URLParam(r, "commentId"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.Error("comment get", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	allowed, err := s.canEditAuthored(r, comment.AuthorID)
	if err != nil {
		s.log.Error("role lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	deleted, err := s.store.SoftDeleteComment(r.Context(), comment.ID, time.Now().UTC())
	if err != nil {
		s.log.Error("comment delete", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleVotePost(w http.ResponseWriter, r *http.Request) {
	s.handleVote(w, r, subjectPost, chi.URLParam(r, "postId"))
}

func (s *Server) handleVoteComment(w http.ResponseWriter, r *http.Request) {
	s.handleVote(w, r, subjectComment, chi.URLParam(r, "commentId"))
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, subjectKind, subjectID string) {
	claims := claimsFromContext(r.Context())

	switch subjectKind {
	case subjectPost:
		if _, err := s.store.GetPostByID(r.Context(), subjectID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				writeError(w, http.StatusNotFound, "not_found")
				return
			}
			s.log.Error("post get", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
	case subjectComment:
		if _, err := s.store.GetCommentByID(r.Context(), subjectID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				writeError(w, http.StatusNotFound, "not_found")
				return
			}
			s.log.Error("comment get", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
	}

	var req struct {
		Value int16 `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Value < -1 || req.Value > 1 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.store.SetVote(r.Context(), claims.AccountID, subjectKind, subjectID, req.Value, time.Now().UTC()); err != nil {
		s.log.Error("vote set", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	tally, err := s.store.VoteTally(r.Context(), subjectKind, subjectID)
	if err != nil {
		s.log.Error("vote tally", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject_kind": subjectKind,
		"subject_id":   subjectID,
		"value":        req.Value,
		"score":        tally,
	})
}
