package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flownote/internal/ratelimit"
	"flownote/internal/usertoken"
	"flownote/internal/util"
	"flownote/pkg/domain"
	"flownote/services/school/internal/app"
)

const (
	maxJSONBodyBytes       = 1 << 20
	multipartMemoryBytes   = 8 << 20
	defaultMaxUploadBytes  = 32 << 20
	requestIDResponseField = "X-Request-Id"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App    *app.App
	Tokens *usertoken.Manager
	// AuthLimiter throttles login and registration per client IP. Nil
	// disables throttling.
	AuthLimiter    *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
	// MaxUploadBytes caps a whole multipart print upload request.
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the school service.
type Server struct {
	app            *app.App
	tokens         *usertoken.Manager
	authLimiter    *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	maxUploadBytes int64
	live           *util.LiveViews
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("school app required")
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
		authLimiter:    cfg.AuthLimiter,
		trustedProxies: cfg.TrustedProxies,
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
	return util.WithRequestID(util.WithRequestLog("school", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

// CloseLive ends every open websocket view and waits for their handlers to
// return. Register it with http.Server.RegisterOnShutdown.
func (s *Server) CloseLive() {
	s.live.Close()
	s.live.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// accounts
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.Handle("/auth/logout", s.withUser(s.handleLogout))
	s.mux.Handle("/auth/me", s.withUser(s.handleMe))

	// directory
	s.mux.Handle("/users", s.withUser(s.handleUsers))
	s.mux.Handle("/users/search", s.withUser(s.handleUserSearch))

	// prints
	s.mux.Handle("/prints", s.withUser(s.handlePrints))
	s.mux.Handle("/prints/categories", s.withUser(s.handlePrintCategories))
	s.mux.Handle("/prints/recent", s.withUser(s.handleRecentPrints))
	s.mux.Handle("/prints/stream", s.withStreamUser(s.handlePrintStream))
	s.mux.Handle("/prints/", s.withUser(s.handlePrintByID))

	// calendar
	s.mux.Handle("/events", s.withUser(s.handleEvents))
	s.mux.Handle("/events/today", s.withUser(s.handleTodaysEvents))
	s.mux.Handle("/events/upcoming", s.withUser(s.handleUpcomingEvents))
	s.mux.Handle("/events/stream", s.withStreamUser(s.handleEventStream))
	s.mux.Handle("/events/", s.withUser(s.handleEventByID))
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
	return app.Viewer{ID: id.UserID, Role: id.Role, SchoolID: id.SchoolID}
}

// accounts

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuth(w, r, "register") {
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	session, err := s.app.Register(r.Context(), app.RegisterInput{
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Name:            req.Name,
		Role:            req.Role,
		SchoolID:        req.SchoolID,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuth(w, r, "login") {
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	session, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Logout(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	switch r.Method {
	case http.MethodGet:
		user, err := s.app.Me(r.Context(), viewerOf(id))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var req updateProfileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
			return
		}
		user, err := s.app.UpdateProfile(r.Context(), viewerOf(id), req.Name)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.ListUsers(r.Context(), viewerOf(id), r.URL.Query().Get("role"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users, "count": len(users)})
}

func (s *Server) handleUserSearch(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.SearchUsers(r.Context(), viewerOf(id), r.URL.Query().Get("q"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users, "count": len(users)})
}

// allowAuth throttles credential endpoints per client address.
func (s *Server) allowAuth(w http.ResponseWriter, r *http.Request, action string) bool {
	if s.authLimiter == nil {
		return true
	}
	key := action + ":" + util.ClientIP(r, s.trustedProxies)
	decision, err := s.authLimiter.Allow(r.Context(), key)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("rate_limit_unavailable", "err", err)
		writeErrorCode(w, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "try again later")
		return false
	}
	if decision.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
	writeErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many attempts, try again later")
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

// resourcePath parses /{collection}/{id} and /{collection}/{id}/{action}.
func resourcePath(path, prefix string) (id, action string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return parts[0], "", true
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeErrorCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "not found")
}

type registerRequest struct {
	Email           string          `json:"email"`
	Password        string          `json:"password"`
	ConfirmPassword string          `json:"confirmPassword"`
	Name            string          `json:"name"`
	Role            domain.UserRole `json:"role"`
	SchoolID        string          `json:"schoolId"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type updateProfileRequest struct {
	Name string `json:"name"`
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
	{app.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
	{app.ErrEmailTaken, http.StatusConflict, "EMAIL_TAKEN"},
	{app.ErrInvalidEmail, http.StatusBadRequest, "INVALID_EMAIL"},
	{app.ErrPasswordMismatch, http.StatusBadRequest, "PASSWORD_MISMATCH"},
	{app.ErrWeakPassword, http.StatusBadRequest, "WEAK_PASSWORD"},
	{app.ErrQueryTooShort, http.StatusBadRequest, "QUERY_TOO_SHORT"},
	{app.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{app.ErrUserNotFound, http.StatusNotFound, "USER_NOT_FOUND"},
	{app.ErrPrintNotFound, http.StatusNotFound, "PRINT_NOT_FOUND"},
	{app.ErrEventNotFound, http.StatusNotFound, "EVENT_NOT_FOUND"},
	{app.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
	{app.ErrPrintUpload, http.StatusBadGateway, "PRINT_UPLOAD_FAILED"},
}

// writeAppError maps application errors to status codes. Other input errors
// are 400; anything unknown is logged and reported without detail.
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
	if app.IsValidation(err) {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
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
