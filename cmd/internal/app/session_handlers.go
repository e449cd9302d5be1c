package app

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Force67/texler/cmd/internal/auth"
	"github.com/Force67/texler/cmd/internal/collab"
	"github.com/Force67/texler/cmd/internal/invite"
	"github.com/Force67/texler/cmd/security/password"
)

const (
	sessionMaxBodyBytes = 64 << 10
	maxSessionTitle     = 200
	maxSessionDesc      = 2000
	maxInviteTTL        = 90 * 24 * time.Hour
)

// SessionHandler serves the REST surface for session lifecycle and
// invitations. The realtime path (join, operations, chat) lives on the
// websocket gateway; this handler covers everything a client does before
// and after a connection.
type SessionHandler struct {
	log         *slog.Logger
	store       collab.SessionStore
	invitations *invite.Service
	chat        *collab.ChatRelay
	verifier    auth.Verifier
	passwords   password.Config
}

// NewSessionHandler constructs the REST handler.
func NewSessionHandler(log *slog.Logger, store collab.SessionStore, invitations *invite.Service, chat *collab.ChatRelay, verifier auth.Verifier, passwords password.Config) *SessionHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionHandler{
		log:         log,
		store:       store,
		invitations: invitations,
		chat:        chat,
		verifier:    verifier,
		passwords:   passwords,
	}
}

// Register wires all session routes onto mux.
func (h *SessionHandler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleEndSession)
	mux.HandleFunc("GET /v1/sessions/{id}/participants", h.handleParticipants)
	mux.HandleFunc("GET /v1/sessions/{id}/stats", h.handleStats)
	mux.HandleFunc("POST /v1/sessions/{id}/invitations", h.handleInviteCreate)
	mux.HandleFunc("GET /v1/sessions/{id}/invitations", h.handleInviteList)
	mux.HandleFunc("DELETE /v1/invitations/{id}", h.handleInviteRevoke)
	mux.HandleFunc("POST /v1/invitations/accept", h.handleInviteAccept)
}

type createSessionRequest struct {
	ProjectID       string  `json:"project_id"`
	FileID          string  `json:"file_id,omitempty"`
	Kind            string  `json:"kind,omitempty"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	MaxParticipants int     `json:"max_participants,omitempty"`
	Password        string  `json:"password,omitempty"`
	Settings        *string `json:"settings,omitempty"`
}

type sessionResponse struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	FileID          string  `json:"file_id,omitempty"`
	CreatedBy       string  `json:"created_by"`
	Kind            string  `json:"kind"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Active          bool    `json:"active"`
	MaxParticipants int     `json:"max_participants"`
	Protected       bool    `json:"protected"`
	Settings        *string `json:"settings,omitempty"`
	StartedAt       *string `json:"started_at,omitempty"`
	EndedAt         *string `json:"ended_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type participantResponse struct {
	ID             string  `json:"id"`
	SessionID      string  `json:"session_id"`
	UserID         string  `json:"user_id"`
	Role           string  `json:"role"`
	Online         bool    `json:"online"`
	CursorPosition *int    `json:"cursor_position,omitempty"`
	Selection      *string `json:"selection,omitempty"`
	JoinedAt       string  `json:"joined_at"`
	LastSeenAt     string  `json:"last_seen_at"`
}

type statsResponse struct {
	SessionID           string `json:"session_id"`
	TotalParticipants   int64  `json:"total_participants"`
	CurrentParticipants int64  `json:"current_participants"`
	TotalOperations     int64  `json:"total_operations"`
	TotalMessages       int64  `json:"total_messages"`
	DurationSeconds     int64  `json:"duration_seconds"`
}

type createInviteRequest struct {
	GrantedRole string  `json:"granted_role,omitempty"`
	TTLSeconds  int     `json:"ttl_seconds,omitempty"`
	MaxUses     int     `json:"max_uses,omitempty"`
	Note        *string `json:"note,omitempty"`
}

type invitationResponse struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	GrantedRole string  `json:"granted_role"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
	ExpiresAt   string  `json:"expires_at"`
	MaxUses     int     `json:"max_uses"`
	UsedCount   int     `json:"used_count"`
	Revoked     bool    `json:"revoked"`
	Note        *string `json:"note,omitempty"`
}

type createInviteResponse struct {
	Invitation invitationResponse `json:"invitation"`
	// Token is the plain invitation token, shown exactly once.
	Token string `json:"token"`
}

type acceptInviteRequest struct {
	Token string `json:"token"`
}

type acceptInviteResponse struct {
	SessionID   string `json:"session_id"`
	GrantedRole string `json:"granted_role"`
}

func (h *SessionHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := decodeJSON(w, r, sessionMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	projectID, err := uuid.Parse(strings.TrimSpace(req.ProjectID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "project_id must be a UUID")
		return
	}

	var fileID *uuid.UUID
	if strings.TrimSpace(req.FileID) != "" {
		id, err := uuid.Parse(strings.TrimSpace(req.FileID))
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "file_id must be a UUID")
			return
		}
		fileID = &id
	}

	kind := collab.SessionKind(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = collab.SessionRealtime
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "validation", "unknown session kind")
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" || len([]rune(title)) > maxSessionTitle {
		writeError(w, http.StatusBadRequest, "validation", "title is required and limited in length")
		return
	}
	desc := strings.TrimSpace(req.Description)
	if len([]rune(desc)) > maxSessionDesc {
		writeError(w, http.StatusBadRequest, "validation", "description too long")
		return
	}
	if req.MaxParticipants < 0 {
		writeError(w, http.StatusBadRequest, "validation", "max_participants must be positive")
		return
	}

	var passwordHash string
	if req.Password != "" {
		if err := h.passwords.Validate(req.Password); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "password rejected by policy")
			return
		}
		passwordHash, err = h.passwords.Hash(req.Password)
		if err != nil {
			h.log.Error("session.create.hash.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
	}

	sess, err := h.store.CreateSession(r.Context(), collab.CreateSessionInput{
		ProjectID:       projectID,
		FileID:          fileID,
		CreatedBy:       identity.UserID,
		Kind:            kind,
		Title:           title,
		Description:     desc,
		MaxParticipants: req.MaxParticipants,
		PasswordHash:    passwordHash,
		Settings:        req.Settings,
		Now:             time.Now().UTC(),
	})
	if err != nil {
		h.writeCollabError(w, err, "session.create")
		return
	}

	h.log.Info("session.create", "session_id", sess.ID, "project_id", sess.ProjectID, "kind", sess.Kind, "created_by", identity.UserID)
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (h *SessionHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := h.store.FindSession(r.Context(), sessionID)
	if err != nil {
		h.writeCollabError(w, err, "session.get")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (h *SessionHandler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := h.store.FindSession(r.Context(), sessionID)
	if err != nil {
		h.writeCollabError(w, err, "session.end")
		return
	}
	if err := h.requireHost(r, identity, sess); err != nil {
		h.writeCollabError(w, err, "session.end")
		return
	}

	now := time.Now().UTC()
	if err := h.store.EndSession(r.Context(), sessionID, now); err != nil {
		h.writeCollabError(w, err, "session.end")
		return
	}
	if h.chat != nil {
		if err := h.chat.SendSystem(r.Context(), sessionID, sess.CreatedBy, "session ended", now); err != nil {
			h.log.Warn("session.end.notice.fail", "session_id", sessionID, "err", err)
		}
	}

	h.log.Info("session.end", "session_id", sessionID, "ended_by", identity.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) handleParticipants(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.store.FindSession(r.Context(), sessionID); err != nil {
		h.writeCollabError(w, err, "session.participants")
		return
	}
	participants, err := h.store.ActiveParticipants(r.Context(), sessionID)
	if err != nil {
		h.writeCollabError(w, err, "session.participants")
		return
	}

	out := make([]participantResponse, 0, len(participants))
	for _, p := range participants {
		out = append(out, toParticipantResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": out})
}

func (h *SessionHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	stats, err := h.store.Stats(r.Context(), sessionID, time.Now().UTC())
	if err != nil {
		h.writeCollabError(w, err, "session.stats")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		SessionID:           stats.SessionID.String(),
		TotalParticipants:   stats.TotalParticipants,
		CurrentParticipants: stats.CurrentParticipants,
		TotalOperations:     stats.TotalOperations,
		TotalMessages:       stats.TotalMessages,
		DurationSeconds:     int64(stats.Duration / time.Second),
	})
}

func (h *SessionHandler) handleInviteCreate(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if h.invitations == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "invitations are not enabled")
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req createInviteRequest
	if err := decodeJSON(w, r, sessionMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	sess, err := h.store.FindSession(r.Context(), sessionID)
	if err != nil {
		h.writeCollabError(w, err, "invite.create")
		return
	}
	if err := h.requireHost(r, identity, sess); err != nil {
		h.writeCollabError(w, err, "invite.create")
		return
	}

	role := collab.ParticipantRole(strings.TrimSpace(req.GrantedRole))
	if role == "" {
		role = collab.RoleEditor
	}
	if !role.Valid() || role == collab.RoleHost {
		writeError(w, http.StatusBadRequest, "validation", "granted_role must be presenter, editor, or viewer")
		return
	}
	if req.TTLSeconds < 0 || time.Duration(req.TTLSeconds)*time.Second > maxInviteTTL {
		writeError(w, http.StatusBadRequest, "validation", "ttl_seconds out of range")
		return
	}
	if req.MaxUses < 0 {
		writeError(w, http.StatusBadRequest, "validation", "max_uses must be positive")
		return
	}

	inv, plain, err := h.invitations.Create(r.Context(), invite.CreateInput{
		SessionID:   sessionID,
		GrantedRole: string(role),
		CreatedBy:   identity.UserID,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		MaxUses:     req.MaxUses,
		Note:        req.Note,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		h.writeInviteError(w, err, "invite.create")
		return
	}

	h.log.Info("invite.create", "session_id", sessionID, "invitation_id", inv.ID, "granted_role", inv.GrantedRole, "created_by", identity.UserID)
	writeJSON(w, http.StatusCreated, createInviteResponse{
		Invitation: toInvitationResponse(inv),
		Token:      plain,
	})
}

func (h *SessionHandler) handleInviteList(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if h.invitations == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "invitations are not enabled")
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := h.store.FindSession(r.Context(), sessionID)
	if err != nil {
		h.writeCollabError(w, err, "invite.list")
		return
	}
	if err := h.requireHost(r, identity, sess); err != nil {
		h.writeCollabError(w, err, "invite.list")
		return
	}

	invs, err := h.invitations.ListBySession(r.Context(), sessionID)
	if err != nil {
		h.writeInviteError(w, err, "invite.list")
		return
	}
	out := make([]invitationResponse, 0, len(invs))
	for _, inv := range invs {
		out = append(out, toInvitationResponse(inv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": out})
}

func (h *SessionHandler) handleInviteRevoke(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if h.invitations == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "invitations are not enabled")
		return
	}
	inviteID := strings.TrimSpace(r.PathValue("id"))
	if inviteID == "" {
		writeError(w, http.StatusBadRequest, "validation", "invitation id is required")
		return
	}

	// Revocation is gated on the invitation's session, so the invitation
	// has to be resolved before the permission check.
	existing, err := h.invitations.Get(r.Context(), inviteID)
	if err != nil {
		h.writeInviteError(w, err, "invite.revoke")
		return
	}
	sess, err := h.store.FindSession(r.Context(), existing.SessionID)
	if err != nil {
		h.writeCollabError(w, err, "invite.revoke")
		return
	}
	if err := h.requireHost(r, identity, sess); err != nil {
		h.writeCollabError(w, err, "invite.revoke")
		return
	}

	inv, err := h.invitations.Revoke(r.Context(), inviteID, time.Now().UTC())
	if err != nil {
		h.writeInviteError(w, err, "invite.revoke")
		return
	}

	h.log.Info("invite.revoke", "invitation_id", inv.ID, "session_id", inv.SessionID, "revoked_by", identity.UserID)
	writeJSON(w, http.StatusOK, toInvitationResponse(inv))
}

func (h *SessionHandler) handleInviteAccept(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if h.invitations == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "invitations are not enabled")
		return
	}

	var req acceptInviteRequest
	if err := decodeJSON(w, r, sessionMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "validation", "token is required")
		return
	}

	inv, err := h.invitations.Consume(r.Context(), invite.ConsumeInput{
		Token:      req.Token,
		ConsumedBy: identity.UserID,
		Now:        time.Now().UTC(),
	})
	if err != nil {
		h.writeInviteError(w, err, "invite.accept")
		return
	}

	sess, err := h.store.FindSession(r.Context(), inv.SessionID)
	if err != nil {
		h.writeCollabError(w, err, "invite.accept")
		return
	}
	if !sess.Active {
		writeError(w, http.StatusConflict, "conflict", "session has ended")
		return
	}

	h.log.Info("invite.accept", "invitation_id", inv.ID, "session_id", inv.SessionID, "user_id", identity.UserID)
	writeJSON(w, http.StatusOK, acceptInviteResponse{
		SessionID:   inv.SessionID.String(),
		GrantedRole: inv.GrantedRole,
	})
}

// requireAuth resolves the bearer credential on the request. On failure it
// writes the 401 itself and returns ok=false.
func (h *SessionHandler) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return auth.Identity{}, false
	}
	identity, _, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return auth.Identity{}, false
	}
	return identity, true
}

// requireHost permits the session creator and online host participants.
func (h *SessionHandler) requireHost(r *http.Request, identity auth.Identity, sess collab.Session) error {
	if sess.CreatedBy == identity.UserID {
		return nil
	}
	p, err := h.store.FindParticipant(r.Context(), sess.ID, identity.UserID)
	if err != nil || !p.Online || p.Role != collab.RoleHost {
		return collab.ErrForbidden
	}
	return nil
}

func (h *SessionHandler) writeCollabError(w http.ResponseWriter, err error, op string) {
	switch collab.Code(err) {
	case collab.CodeNotFound:
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	case collab.CodeValidation:
		writeError(w, http.StatusBadRequest, "validation", "invalid request")
	case collab.CodeConflict:
		writeError(w, http.StatusConflict, "conflict", "session is full")
	case collab.CodeUnauthorized:
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *SessionHandler) writeInviteError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, invite.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "invitation not found")
	case errors.Is(err, invite.ErrNotActive):
		writeError(w, http.StatusConflict, "conflict", "invitation expired, revoked, or exhausted")
	case errors.Is(err, invite.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "validation", "invalid request")
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue(name)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func toSessionResponse(s collab.Session) sessionResponse {
	resp := sessionResponse{
		ID:              s.ID.String(),
		ProjectID:       s.ProjectID.String(),
		CreatedBy:       s.CreatedBy.String(),
		Kind:            string(s.Kind),
		Title:           s.Title,
		Description:     s.Description,
		Active:          s.Active,
		MaxParticipants: s.MaxParticipants,
		Protected:       s.Protected(),
		Settings:        s.Settings,
		CreatedAt:       s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       s.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if s.FileID != nil {
		resp.FileID = s.FileID.String()
	}
	if s.StartedAt != nil {
		v := s.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &v
	}
	if s.EndedAt != nil {
		v := s.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &v
	}
	return resp
}

func toParticipantResponse(p collab.Participant) participantResponse {
	return participantResponse{
		ID:             p.ID.String(),
		SessionID:      p.SessionID.String(),
		UserID:         p.UserID.String(),
		Role:           string(p.Role),
		Online:         p.Online,
		CursorPosition: p.CursorPosition,
		Selection:      p.Selection,
		JoinedAt:       p.JoinedAt.UTC().Format(time.RFC3339),
		LastSeenAt:     p.LastSeenAt.UTC().Format(time.RFC3339),
	}
}

func toInvitationResponse(inv invite.Invitation) invitationResponse {
	return invitationResponse{
		ID:          inv.ID,
		SessionID:   inv.SessionID.String(),
		GrantedRole: inv.GrantedRole,
		CreatedBy:   inv.CreatedBy.String(),
		CreatedAt:   inv.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:   inv.ExpiresAt.UTC().Format(time.RFC3339),
		MaxUses:     inv.MaxUses,
		UsedCount:   inv.UsedCount,
		Revoked:     inv.RevokedAt != nil,
		Note:        inv.Note,
	}
}
