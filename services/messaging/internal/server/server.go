package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flownote/internal/ratelimit"
	"flownote/internal/usertoken"
	"flownote/internal/util"
	"flownote/services/messaging/internal/app"
)

const (
	maxJSONBodyBytes       = 1 << 20
	multipartMemoryBytes   = 8 << 20
	defaultMaxUploadBytes  = 100 << 20
	requestIDResponseField = "X-Request-Id"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Tokens         *usertoken.Manager
	SendLimiter    *ratelimit.FixedWindowLimiter
	AllowedOrigins []string
	// MaxUploadBytes caps a whole multipart send request.
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the messaging service.
type Server struct {
	app            *app.App
	tokens         *usertoken.Manager
	sendLimiter    *ratelimit.FixedWindowLimiter
	allowedOrigins []string
	maxUploadBytes int64
	live           *util.LiveViews
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("messaging app required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token manager required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		tokens:         cfg.Tokens,
		sendLimiter:    cfg.SendLimiter,
		allowedOrigins: cfg.AllowedOrigins,
		maxUploadBytes: maxUpload,
		live:           util.NewLiveViews(),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("messaging", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

// CloseLive ends every open websocket view and waits for their handlers to
// return. Register it with http.Server.RegisterOnShutdown.
func (s *Server) CloseLive() {
	s.live.Close()
	s.live.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/conversations/stream", s.withStreamUser(s.handleConversationStream))
	s.mux.Handle("/conversations/", s.withConversationUser())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.authenticate(w, r, token, next)
	})
}

// withStreamUser also accepts ?token= because browser websocket clients
// cannot set an Authorization header.
func (s *Server) withStreamUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.authenticate(w, r, token, next)
	})
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, token string, next userHandler) {
	identity, err := s.tokens.Verify(r.Context(), token)
	if err != nil {
		util.LoggerFromContext(r.Context()).Debug("token_rejected", "err", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	next(w, r.WithContext(util.ContextWithLogger(r.Context(),
		util.LoggerFromContext(r.Context()).With("user_id", identity.UserID))), identity)
}

func viewerOf(id usertoken.Identity) app.Viewer {
	return app.Viewer{ID: id.UserID, Name: id.Name, SchoolID: id.SchoolID}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListConversations(r.Context(), id.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case http.MethodPost:
		var req startConversationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
			return
		}
		conversationID, err := s.app.StartConversation(r.Context(), viewerOf(id), req.ParticipantID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": conversationID})
	default:
		methodNotAllowed(w)
	}
}

// withConversationUser routes /conversations/{id}/... after authentication.
func (s *Server) withConversationUser() http.Handler {
	plain := s.withUser(s.handleConversationByID)
	stream := s.withStreamUser(s.handleMessageStream)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/messages/stream") {
			stream.ServeHTTP(w, r)
			return
		}
		plain.ServeHTTP(w, r)
	})
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	conversationID, action, ok := splitConversationPath(r.URL.Path)
	if !ok {
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	switch action {
	case "messages":
		switch r.Method {
		case http.MethodGet:
			s.handleListMessages(w, r, id, conversationID)
		case http.MethodPost:
			s.handleSendMessage(w, r, id, conversationID)
		default:
			methodNotAllowed(w)
		}
	case "read":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		updated, err := s.app.MarkAsRead(r.Context(), conversationID, id.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
	case "unread":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		count, err := s.app.UnreadCount(r.Context(), conversationID, id.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"unreadCount": count})
	default:
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "not found")
	}
}

// splitConversationPath parses /conversations/{id}/{action}.
func splitConversationPath(path string) (string, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, "/conversations/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, id usertoken.Identity, conversationID string) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	items, err := s.app.ListMessages(r.Context(), conversationID, id.UserID, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, id usertoken.Identity, conversationID string) {
	if !s.allowSend(w, r, id.UserID) {
		return
	}
	in := app.SendInput{
		ConversationID: conversationID,
		SenderID:       id.UserID,
		SenderName:     id.Name,
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeErrorCode(w, http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE", "request too large")
				return
			}
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid multipart body")
			return
		}
		defer r.MultipartForm.RemoveAll()
		in.Content = r.FormValue("content")
		for _, fh := range r.MultipartForm.File["files"] {
			file, err := fh.Open()
			if err != nil {
				writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "unreadable attachment")
				return
			}
			defer file.Close()
			in.Attachments = append(in.Attachments, app.AttachmentUpload{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
				Body:        file,
			})
		}
	} else {
		var req sendMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
			return
		}
		in.Content = req.Content
	}
	msg, err := s.app.SendMessage(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) allowSend(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.sendLimiter == nil {
		return true
	}
	decision, err := s.sendLimiter.Allow(r.Context(), userID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("rate_limit_unavailable", "err", err)
		writeErrorCode(w, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "try again later")
		return false
	}
	if decision.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
	writeErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many messages, slow down")
	return false
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return limit, nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeErrorCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

type startConversationRequest struct {
	ParticipantID string `json:"participantId"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, errorCodeForStatus(status), msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: w.Header().Get(requestIDResponseField),
	})
}

var appErrors = []struct {
	err    error
	status int
	code   string
}{
	{app.ErrEmptyMessage, http.StatusBadRequest, "EMPTY_MESSAGE"},
	{app.ErrMessageTooLong, http.StatusBadRequest, "MESSAGE_TOO_LONG"},
	{app.ErrTooManyAttachments, http.StatusBadRequest, "TOO_MANY_ATTACHMENTS"},
	{app.ErrAttachmentTooLarge, http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE"},
	{app.ErrInvalidParticipant, http.StatusBadRequest, "INVALID_PARTICIPANT"},
	{app.ErrInvalidConversation, http.StatusBadRequest, "INVALID_CONVERSATION"},
	{app.ErrInvalidSender, http.StatusBadRequest, "INVALID_REQUEST"},
	{app.ErrConversationNotFound, http.StatusNotFound, "CONVERSATION_NOT_FOUND"},
	{app.ErrParticipantNotFound, http.StatusNotFound, "PARTICIPANT_NOT_FOUND"},
	{app.ErrConversationForbidden, http.StatusForbidden, "CONVERSATION_FORBIDDEN"},
	{app.ErrAttachmentUpload, http.StatusBadGateway, "ATTACHMENT_UPLOAD_FAILED"},
}

// writeAppError maps application errors to status codes. Anything unknown
// is logged and reported as an internal error without detail.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range appErrors {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
			}
			writeErrorCode(w, m.status, m.code, err.Error())
			return
		}
	}
	util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
	writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	default:
		if status >= http.StatusInternalServerError {
			return "INTERNAL"
		}
		return "REQUEST_FAILED"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
