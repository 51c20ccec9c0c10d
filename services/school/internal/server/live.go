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

const (
	liveWriteTimeout = 10 * time.Second
	monthLayout      = "2006-01"
)

type liveFrame struct {
	Type  string `json:"type"`
	Items any    `json:"items"`
	Count int    `json:"count"`
}

// handlePrintStream pushes the print list on connect and after every print
// change. Query parameters match GET /prints.
func (s *Server) handlePrintStream(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	category := r.URL.Query().Get("category")
	s.serveLive(w, r, func(ctx context.Context, conn *websocket.Conn) error {
		return s.app.WatchPrints(ctx, viewerOf(id), category, limit, func(items []domain.Print) error {
			return writeFrame(ctx, conn, liveFrame{Type: "prints", Items: items, Count: len(items)})
		})
	})
}

// handleEventStream pushes one month of the calendar, ?month=YYYY-MM and
// the current UTC month by default.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	month := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("month")); raw != "" {
		parsed, err := time.Parse(monthLayout, raw)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "month must be YYYY-MM")
			return
		}
		month = parsed
	}
	s.serveLive(w, r, func(ctx context.Context, conn *websocket.Conn) error {
		return s.app.WatchEventsForMonth(ctx, viewerOf(id), month.Year(), month.Month(), func(items []domain.Event) error {
			return writeFrame(ctx, conn, liveFrame{Type: "events", Items: items, Count: len(items)})
		})
	})
}

// serveLive upgrades the request and runs watch until the peer leaves, the
// server shuts down, or watch fails.
func (s *Server) serveLive(w http.ResponseWriter, r *http.Request, watch func(context.Context, *websocket.Conn) error) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	defer conn.CloseNow()
	bound, release := s.live.Bind(r.Context())
	defer release()
	// push-only: CloseRead ends ctx when the peer goes away
	ctx := conn.CloseRead(bound)
	err = watch(ctx, conn)
	switch {
	case s.live.Closing():
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
	default:
		util.LoggerFromContext(r.Context()).Warn("live_view_ended", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "live view ended")
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame liveFrame) error {
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
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
