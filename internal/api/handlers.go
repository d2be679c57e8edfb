package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dm/internal/apperr"
	"github.com/npezzotti/go-dm/internal/chat"
	"github.com/npezzotti/go-dm/internal/server"
	"github.com/npezzotti/go-dm/internal/types"
	"github.com/rs/zerolog/hlog"
)

const healthTimeout = 2 * time.Second

type LoginResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

type CreateConversationRequest struct {
	UserId string `json:"userId"`
}

type CreateConversationResponse struct {
	Conversation types.Conversation `json:"conversation"`
	IsNew        bool               `json:"isNew"`
}

type UpdateConversationRequest struct {
	IsArchived   *bool `json:"isArchived,omitempty"`
	IsMuted      *bool `json:"isMuted,omitempty"`
	MarkAsRead   bool  `json:"markAsRead,omitempty"`
	MarkAsUnread bool  `json:"markAsUnread,omitempty"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type SendMessageResponse struct {
	Message types.Message `json:"message"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("json encode")
	}
}

// writeError renders err, logging it when the cause is internal.
func (s *ChatApp) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errResp := FromError(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}

	return true
}

func (s *ChatApp) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("check", name).Msg("health check failed")
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		s.writeJson(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Checks: failed})
		return
	}

	s.writeJson(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *ChatApp) listUsers(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	users, err := s.svc.ListUsers(r.Context(), userId, r.URL.Query().Get("search"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *ChatApp) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.svc.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *ChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	var archived bool
	if v := r.URL.Query().Get("archived"); v != "" {
		var err error
		archived, err = strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, apperr.Validation("archived", "archived must be a boolean"))
			return
		}
	}

	convs, err := s.svc.ListConversations(r.Context(), userId, archived)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *ChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if !s.decode(w, r, &req) {
		return
	}

	userId, _ := UserId(r.Context())
	conv, isNew, err := s.svc.CreateConversation(r.Context(), userId, req.UserId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}

	s.writeJson(w, status, CreateConversationResponse{Conversation: conv, IsNew: isNew})
}

func (s *ChatApp) updateConversation(w http.ResponseWriter, r *http.Request) {
	var req UpdateConversationRequest
	if !s.decode(w, r, &req) {
		return
	}

	userId, _ := UserId(r.Context())
	conv, err := s.svc.UpdateConversation(r.Context(), r.PathValue("id"), userId, chat.UpdateConversationParams{
		IsArchived:   req.IsArchived,
		IsMuted:      req.IsMuted,
		MarkAsRead:   req.MarkAsRead,
		MarkAsUnread: req.MarkAsUnread,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *ChatApp) deleteConversation(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	if err := s.svc.DeleteConversation(r.Context(), r.PathValue("id"), userId); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *ChatApp) listMessages(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		limit, err = strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, apperr.Validation("limit", "limit must be an integer"))
			return
		}
	}

	page, err := s.svc.ListMessages(r.Context(), r.PathValue("id"), userId, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, page)
}

func (s *ChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	userId, _ := UserId(r.Context())
	msg, err := s.svc.SendMessage(r.Context(), r.PathValue("id"), userId, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, SendMessageResponse{Message: msg})
}

// wsToken looks for credentials in the Authorization header, then the token
// query parameter, then the token cookie.
func wsToken(r *http.Request) string {
	if t := bearerToken(r); t != "" {
		return t
	}
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}

	return cookieToken(r)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	dbUser, err := s.authn.Authenticate(r.Context(), wsToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(types.User{
		Id:      dbUser.Id,
		Name:    dbUser.Name,
		Email:   dbUser.Email,
		Picture: dbUser.Picture,
	}, conn, s.cs, s.log)

	if err := client.Serve(); err != nil {
		s.log.Warn().Err(err).Str("user_id", dbUser.Id).Msg("register client")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		conn.Close()
	}
}
