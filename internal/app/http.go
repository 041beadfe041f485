package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"threadline/api/internal/auth"
	"threadline/api/internal/follow"
	"threadline/api/internal/rbac"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
	"threadline/api/internal/thread"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	jwtSecret  []byte
	log        logrus.FieldLogger
}

func NewHTTPServer(service *Service, corsOrigin string, jwtSecret []byte, log logrus.FieldLogger) *HTTPServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, jwtSecret: jwtSecret, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	r.Route("/api/comments", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/search", s.handleSearch)
		r.Get("/confirm/{key}", s.handleConfirm)
		r.Get("/mute/{key}", s.handleFollowup(follow.ActionMute))
		r.Get("/follow/{key}", s.handleFollowup(follow.ActionReengage))
		r.Get("/{id}", s.handleComment)
		r.Get("/{id}/reply", s.handleReplyCheck)
		r.Post("/{id}/moderation", s.handleModerate)
	})
	r.Get("/api/targets/{type}/{id}/comments", s.handleThread)
	r.Get("/api/targets/{type}/{id}/comments/count", s.handleCount)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Readiness(ctx) {
		if err == nil {
			checks[name] = map[string]any{"status": "ok"}
			continue
		}
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks[name] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// identity resolves the optional bearer token. A request without one is
// anonymous; a request with a bad one is rejected.
func (s *HTTPServer) identity(r *http.Request) (Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return Identity{Role: rbac.RoleAnonymous}, nil
	}
	token, ok := auth.BearerToken(header)
	if !ok {
		return Identity{}, auth.ErrInvalidToken
	}
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID: claims.Subject,
		Name:   claims.Name,
		Email:  claims.Email,
		Role:   rbac.Normalize(claims.Role),
	}, nil
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identity(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var input SubmitInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	input.IPAddress = clientIP(r)

	outcome, err := s.service.Submit(r.Context(), identity, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOutcome(w, outcome, http.StatusCreated, http.StatusAccepted)
}

func (s *HTTPServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.service.Confirm(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOutcome(w, outcome, http.StatusOK, http.StatusOK)
}

// writeOutcome maps a lifecycle outcome to a response. A repeated submission
// is reported with 200 and the stored comment.
func writeOutcome(w http.ResponseWriter, outcome Outcome, published, pending int) {
	if outcome.State == StateDiscarded {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	payload := map[string]any{"state": outcome.State}
	if outcome.Comment != nil {
		payload["comment"] = commentPayload(*outcome.Comment)
	}
	if outcome.ConfirmationKey != "" {
		payload["devConfirmationKey"] = outcome.ConfirmationKey
	}
	status := pending
	switch {
	case outcome.Duplicate:
		payload["duplicate"] = true
		status = http.StatusOK
	case outcome.State == StatePublic:
		status = published
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) handleFollowup(action follow.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.service.SetFollowup(r.Context(), chi.URLParam(r, "key"), action)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"followup": result.Followup,
			"changed":  result.Changed,
			"comment":  commentPayload(result.Comment),
		})
	}
}

func (s *HTTPServer) handleComment(w http.ResponseWriter, r *http.Request) {
	id, ok := commentID(w, r)
	if !ok {
		return
	}
	comment, err := s.service.Comment(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comment": commentPayload(comment)})
}

func (s *HTTPServer) handleReplyCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := commentID(w, r)
	if !ok {
		return
	}
	status, err := s.service.ReplyCheck(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"canReply": true,
		"maxDepth": status.MaxDepth,
		"comment":  commentPayload(status.Comment),
	})
}

func (s *HTTPServer) handleModerate(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identity(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if identity.UserID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	id, ok := commentID(w, r)
	if !ok {
		return
	}
	var input struct {
		Action string `json:"action"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	comment, err := s.service.Moderate(r.Context(), identity, id, input.Action)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comment": commentPayload(comment)})
}

func (s *HTTPServer) handleThread(w http.ResponseWriter, r *http.Request) {
	target := store.Target{Type: chi.URLParam(r, "type"), ID: chi.URLParam(r, "id")}
	forest, err := s.service.Thread(r.Context(), target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":   target,
		"comments": treePayload(forest),
	})
}

func (s *HTTPServer) handleCount(w http.ResponseWriter, r *http.Request) {
	target := store.Target{Type: chi.URLParam(r, "type"), ID: chi.URLParam(r, "id")}
	count, err := s.service.Count(r.Context(), target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target, "count": count})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	q := search.Query{
		Text:   text,
		Target: store.Target{Type: query.Get("type"), ID: query.Get("id")},
		Limit:  limit,
		Offset: offset,
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

// fail writes err as a JSON error. Unexpected errors are logged with the
// request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func commentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return 0, false
	}
	return id, true
}

// commentPayload is the public view of a comment. Email and IP address are
// never exposed.
func commentPayload(c store.Comment) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"targetType": c.Target.Type,
		"targetId":   c.Target.ID,
		"parentId":   c.ParentID,
		"threadId":   c.ThreadID,
		"level":      c.Level,
		"order":      c.Order,
		"userName":   c.UserName,
		"userUrl":    c.UserURL,
		"comment":    c.Body,
		"submitDate": c.SubmitDate,
		"state":      StateOf(c),
	}
}

func treePayload(nodes []*thread.Node) []map[string]any {
	out := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		item := commentPayload(node.Comment)
		item["children"] = treePayload(node.Children)
		out = append(out, item)
	}
	return out
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.WithFields(logrus.Fields{
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
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

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var depth *thread.MaxDepthExceededError
	if errors.As(err, &depth) {
		mapped := errMaxDepth(depth)
		return mapped.Status, mapped.Code, mapped.Message, mapped.Details
	}
	if errors.Is(err, ErrTargetNotFound) {
		return http.StatusNotFound, "TARGET_NOT_FOUND", "Target not found", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
