package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"inkwell/api/internal/backend"
	"inkwell/api/internal/document"
	"inkwell/api/internal/search"
	"inkwell/api/internal/selection"
	"inkwell/api/internal/util"
	"inkwell/api/internal/workspace"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     logrus.FieldLogger
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string, logger logrus.FieldLogger) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.allowOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.corsOrigin == "*" || origin == s.corsOrigin
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks, ready := s.service.Ready(ctx)
		status, statusCode := "ready", http.StatusOK
		if !ready {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.URL.Path == "/api/documents" {
		s.handleDocuments(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/folders" {
		var body CreateFolderInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		folder, err := s.service.CreateFolder(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"folder": folder})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocument(w, r, parts[2])
		return
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "workspaces" {
		s.handleWorkspace(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.ListDocuments(r.Context(), r.URL.Query().Get("folderId"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var body CreateDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.CreateDocument(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	switch r.Method {
	case http.MethodPatch:
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.RenameDocument(r.Context(), documentID, body.Title)
		s.respond(w, r, http.StatusOK, map[string]any{"document": doc}, err)
	case http.MethodDelete:
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, s.service.DeleteDocument(r.Context(), documentID))
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	q := search.Query{
		Text:           text,
		FilterType:     search.ResultType(query.Get("type")),
		FilterFolderID: query.Get("folderId"),
		Limit:          intParam(query.Get("limit"), 20),
		Offset:         intParam(query.Get("offset"), 0),
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, documentID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPost, http.MethodGet:
			ws, err := s.service.Workspace(ctx, documentID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			st, err := ws.State(ctx)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		case http.MethodDelete:
			if err := s.service.CloseWorkspace(ctx, documentID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet {
		payload, err := s.service.History(ctx, documentID, intParam(r.URL.Query().Get("limit"), 50))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 2 && rest[0] == "history" && r.Method == http.MethodGet {
		payload, err := s.service.RevisionContent(ctx, documentID, rest[1])
		s.respond(w, r, http.StatusOK, payload, err)
		return
	}

	ws, err := s.service.Workspace(ctx, documentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	route := strings.Join(rest, "/")
	switch {
	case route == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, ws)

	case route == "selection" && r.Method == http.MethodPost:
		var body selection.Raw
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, http.StatusAccepted, map[string]any{"ok": true}, ws.Select(ctx, body))

	case route == "selection/changed" && r.Method == http.MethodPost:
		s.respond(w, r, http.StatusAccepted, map[string]any{"ok": true}, ws.SelectionChanged(ctx))

	case route == "highlight" && r.Method == http.MethodDelete:
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, ws.ClearHighlight(ctx))

	case route == "edits" && r.Method == http.MethodPost:
		var body struct {
			Ops []document.Op `json:"ops"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		version, err := ws.Edit(ctx, body.Ops)
		s.respond(w, r, http.StatusOK, map[string]any{"version": version}, err)

	case route == "text" && r.Method == http.MethodPut:
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		version, err := ws.ReplaceText(ctx, body.Text)
		s.respond(w, r, http.StatusOK, map[string]any{"version": version}, err)

	case route == "mode" && r.Method == http.MethodPut:
		var body struct {
			Mode backend.InteractionMode `json:"mode"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, http.StatusOK, map[string]any{"mode": body.Mode}, ws.SetMode(ctx, body.Mode))

	case route == "profile" && r.Method == http.MethodPut:
		var body workspace.Profile
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, ws.SetProfile(ctx, body))

	case route == "messages" && r.Method == http.MethodPost:
		var body workspace.Message
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		id, err := ws.Send(ctx, body)
		s.respond(w, r, http.StatusAccepted, map[string]any{"sequenceId": id}, err)

	case len(rest) == 3 && rest[0] == "suggestions" && rest[2] == "accept" && r.Method == http.MethodPost:
		s.respond(w, r, http.StatusAccepted, map[string]any{"optionId": rest[1]}, ws.AcceptSuggestion(ctx, rest[1]))

	case route == "suggestions" && r.Method == http.MethodDelete:
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, ws.ClearSuggestions(ctx))

	case route == "voice" && r.Method == http.MethodPost:
		var body struct {
			Characters []string `json:"characters"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if len(body.Characters) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "characters is required", nil)
			return
		}
		id, err := ws.AnalyzeVoice(ctx, body.Characters)
		s.respond(w, r, http.StatusAccepted, map[string]any{"sequenceId": id}, err)

	case route == "banner" && r.Method == http.MethodDelete:
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, ws.DismissBanner(ctx))

	case route == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, documentID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, documentID string) {
	query := r.URL.Query()
	input := ExportInput{
		Format:            query.Get("format"),
		IncludeTranscript: boolParam(query.Get("transcript")),
		Archive:           boolParam(query.Get("archive")),
	}
	result, link, err := s.service.Export(r.Context(), documentID, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if input.Archive {
		writeJSON(w, http.StatusOK, map[string]any{"url": link})
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"request_id": requestID(r.Context()),
		"path":       r.URL.Path,
		"code":       code,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("http: request failed")
	} else {
		entry.Debug("http: request rejected")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.WithFields(logrus.Fields{
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("http request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intParam(raw string, fallback int) int {
	if raw = strings.TrimSpace(raw); raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func boolParam(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}
