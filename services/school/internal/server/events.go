package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flownote/internal/usertoken"
	"flownote/services/school/internal/app"
)

const dateLayout = "2006-01-02"

type eventRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Date        string   `json:"date"`
	Location    string   `json:"location"`
	Items       []string `json:"items"`
}

type updateEventRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Date        *string   `json:"date"`
	Location    *string   `json:"location"`
	Items       *[]string `json:"items"`
}

// parseDate accepts RFC 3339 timestamps and bare dates. A bare date used as
// an upper bound covers the whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC 3339", raw)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

func optionalDate(raw string, endOfDay bool) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := parseDate(raw, endOfDay)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	switch r.Method {
	case http.MethodGet:
		s.handleListEvents(w, r, id)
	case http.MethodPost:
		var req eventRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
			return
		}
		in := app.EventInput{
			Title:       req.Title,
			Description: req.Description,
			Location:    req.Location,
			Items:       req.Items,
		}
		if strings.TrimSpace(req.Date) != "" {
			date, err := parseDate(req.Date, false)
			if err != nil {
				writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
				return
			}
			in.Date = date
		}
		e, err := s.app.CreateEvent(r.Context(), viewerOf(id), in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	default:
		methodNotAllowed(w)
	}
}

// handleListEvents serves ?month=YYYY-MM, ?year=YYYY, or a search over
// ?from=&to=&q=.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	q := r.URL.Query()
	viewer := viewerOf(id)
	var (
		events any
		count  int
	)
	switch {
	case q.Get("month") != "":
		month, err := time.Parse("2006-01", strings.TrimSpace(q.Get("month")))
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "month must be YYYY-MM")
			return
		}
		items, err := s.app.EventsForMonth(r.Context(), viewer, month.Year(), month.Month())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		events, count = items, len(items)
	case q.Get("year") != "":
		year, err := strconv.Atoi(strings.TrimSpace(q.Get("year")))
		if err != nil || year < 1 || year > 9999 {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "year must be YYYY")
			return
		}
		items, err := s.app.EventsForYear(r.Context(), viewer, year)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		events, count = items, len(items)
	default:
		from, err := optionalDate(q.Get("from"), false)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		to, err := optionalDate(q.Get("to"), true)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		items, err := s.app.SearchEvents(r.Context(), viewer, q.Get("q"), from, to)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		events, count = items, len(items)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events, "count": count})
}

func (s *Server) handleTodaysEvents(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	events, err := s.app.TodaysEvents(r.Context(), viewerOf(id), time.Now())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events, "count": len(events)})
}

func (s *Server) handleUpcomingEvents(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	events, err := s.app.UpcomingEvents(r.Context(), viewerOf(id), time.Now(), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events, "count": len(events)})
}

func (s *Server) handleEventByID(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	eventID, action, ok := resourcePath(r.URL.Path, "/events/")
	if !ok || action != "" {
		notFound(w)
		return
	}
	viewer := viewerOf(id)
	switch r.Method {
	case http.MethodGet:
		e, err := s.app.GetEvent(r.Context(), viewer, eventID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	case http.MethodPatch:
		var req updateEventRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
			return
		}
		in := app.EventUpdate{
			Title:       req.Title,
			Description: req.Description,
			Location:    req.Location,
			Items:       req.Items,
		}
		if req.Date != nil {
			date, err := parseDate(*req.Date, false)
			if err != nil {
				writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
				return
			}
			in.Date = &date
		}
		e, err := s.app.UpdateEvent(r.Context(), viewer, eventID, in)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	case http.MethodDelete:
		if err := s.app.DeleteEvent(r.Context(), viewer, eventID); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}
