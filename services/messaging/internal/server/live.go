package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"flownote/internal/usertoken"
	"flownote/internal/util"
	"flownote/pkg/domain"
)

const liveWriteTimeout = 10 * time.Second

// liveFrame is one snapshot pushed over a live websocket.
type liveFrame struct {
	Type  string `json:"type"`
	Items any    `json:"items"`
	Count int    `json:"count"`
}

func (s *Server) handleConversationStream(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	defer conn.CloseNow()
	bound, release := s.live.Bind(r.Context())
	defer release()
	// push-only: CloseRead keeps control frames flowing and ends ctx when
	// the peer goes away
	ctx := conn.CloseRead(bound)
	err = s.app.WatchConversations(ctx, id.UserID, func(items []domain.ConversationSummary) error {
		return writeFrame(ctx, conn, liveFrame{Type: "conversations", Items: items, Count: len(items)})
	})
	s.closeLive(ctx, r, conn, err)
}

func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	conversationID, action, ok := splitConversationPath(strings.TrimSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/stream"))
	if !ok || action != "messages" {
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	// access errors are still plain HTTP responses before the upgrade
	if _, err := s.app.Conversation(r.Context(), conversationID, id.UserID); err != nil {
		writeAppError(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	defer conn.CloseNow()
	bound, release := s.live.Bind(r.Context())
	defer release()
	ctx := conn.CloseRead(bound)
	err = s.app.WatchMessages(ctx, conversationID, id.UserID, limit, func(items []domain.Message) error {
		return writeFrame(ctx, conn, liveFrame{Type: "messages", Items: items, Count: len(items)})
	})
	s.closeLive(ctx, r, conn, err)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame liveFrame) error {
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}

func (s *Server) closeLive(ctx context.Context, r *http.Request, conn *websocket.Conn, err error) {
	if s.live.Closing() {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	util.LoggerFromContext(r.Context()).Warn("live_view_ended", "err", err)
	_ = conn.Close(websocket.StatusInternalError, "live view ended")
}

// acceptOptions mirrors the CORS allowlist for websocket origins.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	patterns := make([]string, 0, len(s.allowedOrigins))
	for _, origin := range s.allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return &websocket.AcceptOptions{OriginPatterns: []string{"*"}}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}
