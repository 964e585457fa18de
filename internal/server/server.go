package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"linkhive/internal/app"
	"linkhive/internal/util"
	"linkhive/pkg/domain"
	"linkhive/pkg/queue"
	"linkhive/pkg/search"
	"linkhive/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	UserIDHeader   string
	MaxUploadBytes int64
}

// Server exposes the bookmark API. Authentication is terminated upstream;
// the caller identity arrives in a trusted header set by the gateway.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	userIDHeader   string
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	userIDHeader := strings.TrimSpace(cfg.UserIDHeader)
	if userIDHeader == "" {
		userIDHeader = "X-User-Id"
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		userIDHeader:   userIDHeader,
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("api", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/bookmarks", s.withUser(s.handleBookmarks))
	s.mux.Handle("/bookmarks/", s.withUser(s.handleBookmarkByID))
	s.mux.Handle("/tags", s.withUser(s.handleTags))
	s.mux.Handle("/tags/", s.withUser(s.handleTagByID))
	s.mux.Handle("/search", s.withUser(s.handleSearch))
	s.mux.Handle("/assets/", s.withUser(s.handleAssetByID))
	s.mux.Handle("/jobs/", s.withUser(s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(s.userIDHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) handleBookmarks(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateBookmark(w, r, userID)
	case http.MethodGet:
		s.handleListBookmarks(w, r, userID)
	default:
		methodNotAllowed(w)
	}
}

type createBookmarkRequest struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Text string `json:"text"`
	Note string `json:"note"`
}

func (s *Server) handleCreateBookmark(w http.ResponseWriter, r *http.Request, userID string) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		s.handleUploadAsset(w, r, userID)
		return
	}
	var req createBookmarkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var (
		b   domain.Bookmark
		err error
	)
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "link":
		b, err = s.app.CreateLinkBookmark(r.Context(), userID, req.URL, req.Note)
	case "text":
		b, err = s.app.CreateTextBookmark(r.Context(), userID, req.Text, req.Note)
	default:
		writeError(w, http.StatusBadRequest, "invalid bookmark type")
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleUploadAsset(w http.ResponseWriter, r *http.Request, userID string) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	assetType := domain.AssetType(strings.ToLower(strings.TrimSpace(r.FormValue("assetType"))))
	metadata := map[string]string{}
	if caption := strings.TrimSpace(r.FormValue("caption")); caption != "" {
		metadata["caption"] = caption
	}
	b, err := s.app.CreateAssetBookmark(r.Context(), userID, assetType, file, header.Size,
		header.Header.Get("Content-Type"), r.FormValue("note"), metadata)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request, userID string) {
	opts := store.ListOptions{}
	q := r.URL.Query()
	if cursor := strings.TrimSpace(q.Get("cursor")); cursor != "" {
		ts, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		opts.Cursor = ts
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 || n > 200 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v, ok := parseBoolParam(q.Get("archived")); ok {
		opts.Archived = &v
	}
	if v, ok := parseBoolParam(q.Get("favourited")); ok {
		opts.Favourited = &v
	}

	items, err := s.app.ListBookmarks(r.Context(), userID, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := map[string]any{"items": items, "count": len(items)}
	if len(items) > 0 {
		resp["nextCursor"] = items[len(items)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// /bookmarks/{id}, /bookmarks/{id}/recrawl, /bookmarks/{id}/tags/{tagId}
func (s *Server) handleBookmarkByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/bookmarks/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}

	switch {
	case len(parts) == 1:
		s.handleBookmark(w, r, userID, id)
	case len(parts) == 2 && parts[1] == "recrawl":
		s.handleRecrawl(w, r, userID, id)
	case len(parts) == 3 && parts[1] == "tags" && parts[2] != "":
		s.handleAttachment(w, r, userID, id, parts[2])
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleBookmark(w http.ResponseWriter, r *http.Request, userID, id string) {
	switch r.Method {
	case http.MethodGet:
		b, err := s.app.GetBookmark(r.Context(), userID, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	case http.MethodPatch:
		var req struct {
			Archived   *bool   `json:"archived"`
			Favourited *bool   `json:"favourited"`
			Note       *string `json:"note"`
			Text       *string `json:"text"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		b, err := s.app.UpdateBookmark(r.Context(), userID, id, app.UpdateRequest{
			Archived:   req.Archived,
			Favourited: req.Favourited,
			Note:       req.Note,
			Text:       req.Text,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	case http.MethodDelete:
		if err := s.app.DeleteBookmark(r.Context(), userID, id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRecrawl(w http.ResponseWriter, r *http.Request, userID, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	job, err := s.app.RecrawlBookmark(r.Context(), userID, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, userID, bookmarkID, tagID string) {
	switch r.Method {
	case http.MethodPost:
		if err := s.app.AttachTag(r.Context(), userID, bookmarkID, tagID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "attached"})
	case http.MethodDelete:
		if err := s.app.DetachTag(r.Context(), userID, bookmarkID, tagID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		tags, err := s.app.ListTags(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": tags, "count": len(tags)})
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		tag, err := s.app.CreateTag(r.Context(), userID, req.Name)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tag)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleTagByID(w http.ResponseWriter, r *http.Request, userID string) {
	id := strings.TrimPrefix(r.URL.Path, "/tags/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteTag(r.Context(), userID, id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	items, err := s.app.Search(r.Context(), userID, r.URL.Query().Get("q"), limit)
	if err != nil {
		if errors.Is(err, search.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "search not configured")
			return
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleAssetByID(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	assetID := strings.TrimPrefix(r.URL.Path, "/assets/")
	if assetID == "" || strings.Contains(assetID, "/") {
		notFound(w, "not found")
		return
	}
	url, err := s.app.AssetURL(r.Context(), userID, assetID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// /jobs/{topic}/{id}
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		notFound(w, "not found")
		return
	}
	job, err := s.app.GetJobStatus(r.Context(), queue.Topic(parts[0]), parts[1])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func parseBoolParam(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	default:
		return false, false
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// writeAppError maps service-layer failures onto HTTP statuses. Missing
// rows and foreign rows both land in the 4xx class so existence is not
// leaked across tenants, while the codes stay distinguishable.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_MISSING_IDENTITY"
	case message == "forbidden":
		return "BOOKMARK_FORBIDDEN"
	case message == "not found":
		return "BOOKMARK_NOT_FOUND"
	case message == "search not configured":
		return "SEARCH_NOT_CONFIGURED"
	case message == "invalid json body":
		return "REQUEST_INVALID_BODY"
	case message == "invalid bookmark type":
		return "BOOKMARK_INVALID_TYPE"
	case message == "invalid form data":
		return "BOOKMARK_INVALID_UPLOAD_FORM"
	case strings.Contains(message, "file is required"):
		return "BOOKMARK_FILE_REQUIRED"
	case message == "invalid cursor", message == "invalid limit":
		return "REQUEST_INVALID_PARAM"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_VALIDATION_FAILED"
	case http.StatusUnauthorized:
		return "AUTH_MISSING_IDENTITY"
	case http.StatusForbidden:
		return "BOOKMARK_FORBIDDEN"
	case http.StatusNotFound:
		return "BOOKMARK_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusServiceUnavailable:
		return "SEARCH_NOT_CONFIGURED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
