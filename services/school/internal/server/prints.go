package server

import (
	"errors"
	"net/http"

	"flownote/internal/usertoken"
	"flownote/services/school/internal/app"
)

type updatePrintRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
}

func (s *Server) handlePrints(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		limit, err := parseLimit(r)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		var items any
		var count int
		if term := q.Get("q"); term != "" {
			prints, err := s.app.SearchPrints(r.Context(), viewerOf(id), term, q.Get("category"))
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			items, count = prints, len(prints)
		} else {
			prints, err := s.app.ListPrints(r.Context(), viewerOf(id), q.Get("category"), limit)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			items, count = prints, len(prints)
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": count})
	case http.MethodPost:
		s.handleUploadPrint(w, r, id)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadPrint(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "request too large")
			return
		}
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()
	in := app.PrintUpload{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
	}
	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "unreadable file")
		return
	default:
		defer file.Close()
		in.FileName = header.Filename
		in.ContentType = header.Header.Get("Content-Type")
		in.Size = header.Size
		in.Body = file
	}
	p, err := s.app.UploadPrint(r.Context(), viewerOf(id), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePrintCategories(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	categories, err := s.app.Categories(r.Context(), viewerOf(id))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": categories, "count": len(categories)})
}

func (s *Server) handleRecentPrints(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	prints, err := s.app.RecentPrints(r.Context(), viewerOf(id), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": prints, "count": len(prints)})
}

func (s *Server) handlePrintByID(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	printID, action, ok := resourcePath(r.URL.Path, "/prints/")
	if !ok {
		notFound(w)
		return
	}
	viewer := viewerOf(id)
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			p, err := s.app.GetPrint(r.Context(), viewer, printID)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodPatch:
			var req updatePrintRequest
			if err := decodeJSON(r, &req); err != nil {
				writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
				return
			}
			p, err := s.app.UpdatePrint(r.Context(), viewer, printID, app.PrintUpdate{
				Title:       req.Title,
				Description: req.Description,
				Category:    req.Category,
			})
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodDelete:
			if err := s.app.DeletePrint(r.Context(), viewer, printID); err != nil {
				writeAppError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w)
		}
	case "download":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		url, err := s.app.DownloadURL(r.Context(), viewer, printID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	default:
		notFound(w)
	}
}
