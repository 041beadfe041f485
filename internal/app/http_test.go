package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"threadline/api/internal/auth"
	"threadline/api/internal/config"
	"threadline/api/internal/store"
)

var testJWTSecret = []byte("test-jwt-secret")

type unhealthyStore struct {
	*store.MemoryStore
}

func (unhealthyStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func newTestServer(t *testing.T, cfg config.Config, mutate func(*Deps)) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t, cfg, mutate)
	log := logrus.New()
	log.SetOutput(io.Discard)
	return env, NewHTTPServer(env.svc, "*", testJWTSecret, log).Handler()
}

func bearer(t *testing.T, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken(testJWTSecret, auth.Claims{
		Name:             name,
		Email:            strings.ToLower(name) + "@x",
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-" + name},
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return "Bearer " + token
}

func doRequest(t *testing.T, handler http.Handler, method, path, authorization string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func postBody(body string, parentID int64) map[string]any {
	return map[string]any{
		"targetType": "blog.post",
		"targetId":   "1",
		"parentId":   parentID,
		"name":       "Anon",
		"email":      "anon@x",
		"comment":    body,
		"followup":   true,
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestServer(t, testConfig(), nil)
	rr, payload := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("expected 200 ok, got %d %v", rr.Code, payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestReadyEndpoint(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Deps)
		status int
		ready  string
		failed string
	}{
		{name: "healthy", status: http.StatusOK, ready: "ready"},
		{name: "database down", mutate: func(d *Deps) {
			d.Store = unhealthyStore{store.NewMemoryStore()}
		}, status: http.StatusServiceUnavailable, ready: "not_ready", failed: "database"},
		{name: "redis down", mutate: func(d *Deps) {
			d.Counts = &fakeCounts{values: map[store.Target]int64{}, pingErr: errors.New("dial tcp: refused")}
		}, status: http.StatusServiceUnavailable, ready: "not_ready", failed: "redis"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, handler := newTestServer(t, testConfig(), tc.mutate)
			rr, payload := doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
			if rr.Code != tc.status || payload["status"] != tc.ready {
				t.Fatalf("expected %d %s, got %d %v", tc.status, tc.ready, rr.Code, payload)
			}
			checks, _ := payload["checks"].(map[string]any)
			if _, ok := checks["redis"]; !ok {
				t.Fatalf("expected a redis check, got %v", checks)
			}
			if tc.failed != "" {
				check, _ := checks[tc.failed].(map[string]any)
				if check["status"] != "error" {
					t.Fatalf("expected %s check to fail, got %v", tc.failed, checks)
				}
			}
		})
	}
}

func TestPreflightAndRequestID(t *testing.T) {
	_, handler := newTestServer(t, testConfig(), nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/comments", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" || rr.Header().Get("X-Request-ID") != "req-123" {
		t.Fatalf("unexpected headers %v", rr.Header())
	}
}

func TestPostCommentConfirmationRoundTrip(t *testing.T) {
	env, handler := newTestServer(t, testConfig(), nil)

	rr, payload := doRequest(t, handler, http.MethodPost, "/api/comments", "", postBody("hello", 0))
	if rr.Code != http.StatusAccepted || payload["state"] != string(StateAwaitingConfirmation) {
		t.Fatalf("expected 202 awaiting confirmation, got %d %v", rr.Code, payload)
	}
	key := confirmationKey(t, env.mailer.sent[0])

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/comments/confirm/"+key, "", nil)
	if rr.Code != http.StatusOK || payload["state"] != string(StatePublic) {
		t.Fatalf("expected confirmed comment, got %d %v", rr.Code, payload)
	}
	comment, _ := payload["comment"].(map[string]any)
	if comment["comment"] != "hello" {
		t.Fatalf("unexpected comment payload %v", comment)
	}
	if _, leaked := comment["email"]; leaked {
		t.Fatalf("email must not be exposed")
	}

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/comments/confirm/"+key, "", nil)
	if rr.Code != http.StatusOK || payload["duplicate"] != true {
		t.Fatalf("expected idempotent confirmation, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/comments/confirm/forged", "", nil)
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 for forged key, got %d %v", rr.Code, payload)
	}
}

func TestPostCommentAsTrustedUser(t *testing.T) {
	_, handler := newTestServer(t, testConfig(), nil)

	rr, payload := doRequest(t, handler, http.MethodPost, "/api/comments", bearer(t, "Alice", "trusted"), postBody("signed in", 0))
	if rr.Code != http.StatusCreated || payload["state"] != string(StatePublic) {
		t.Fatalf("expected 201 public, got %d %v", rr.Code, payload)
	}
	comment, _ := payload["comment"].(map[string]any)
	if comment["userName"] != "Alice" {
		t.Fatalf("expected name from token, got %v", comment["userName"])
	}

	rr, payload = doRequest(t, handler, http.MethodPost, "/api/comments", bearer(t, "Bob", ""), postBody("plain account", 0))
	if rr.Code != http.StatusCreated || payload["state"] != string(StatePublic) {
		t.Fatalf("expected 201 public for a signed-in commenter, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, handler, http.MethodPost, "/api/comments", "Bearer nonsense", postBody("x", 0))
	if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401 for bad token, got %d %v", rr.Code, payload)
	}
}

func TestPostCommentErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxThreadLevel = 1
	env, handler := newTestServer(t, cfg, nil)
	env.svc.OnWillBePosted(func(_ context.Context, d store.Draft) bool {
		return d.Body != "spam"
	})
	top := mustSubmit(t, env, trusted("Alice", "alice@x"), commentInput("top", 0))
	token := bearer(t, "Alice", "trusted")

	rr, _ := doRequest(t, handler, http.MethodPost, "/api/comments", token, postBody("spam", 0))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for vetoed comment, got %d", rr.Code)
	}

	rr, payload := doRequest(t, handler, http.MethodPost, "/api/comments", token, postBody("reply", top.ID))
	details, _ := payload["details"].(map[string]any)
	if rr.Code != http.StatusForbidden || payload["code"] != "MAX_THREAD_LEVEL" || details["maxDepth"] != float64(1) {
		t.Fatalf("expected 403 MAX_THREAD_LEVEL, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, handler, http.MethodPost, "/api/comments", token, map[string]any{"targetType": "blog.post"})
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422, got %d %v", rr.Code, payload)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/comments", strings.NewReader("{"))
	bad := httptest.NewRecorder()
	handler.ServeHTTP(bad, req)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", bad.Code)
	}

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/comments/"+itoa(top.ID)+"/reply", "", nil)
	if rr.Code != http.StatusForbidden || payload["code"] != "MAX_THREAD_LEVEL" {
		t.Fatalf("expected reply check to refuse, got %d %v", rr.Code, payload)
	}
}

func TestThreadAndCountEndpoints(t *testing.T) {
	env, handler := newTestServer(t, testConfig(), nil)
	alice := trusted("Alice", "alice@x")
	a := mustSubmit(t, env, alice, commentInput("a", 0))
	mustSubmit(t, env, alice, commentInput("b", a.ID))
	mustSubmit(t, env, alice, commentInput("c", 0))

	rr, payload := doRequest(t, handler, http.MethodGet, "/api/targets/blog.post/1/comments", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rr.Code, payload)
	}
	roots, _ := payload["comments"].([]any)
	if len(roots) != 2 {
		t.Fatalf("expected two threads, got %v", payload["comments"])
	}
	first, _ := roots[0].(map[string]any)
	children, _ := first["children"].([]any)
	if first["comment"] != "a" || len(children) != 1 {
		t.Fatalf("unexpected first thread %v", first)
	}

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/targets/blog.post/1/comments/count", "", nil)
	if rr.Code != http.StatusOK || payload["count"] != float64(3) {
		t.Fatalf("expected count 3, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/comments/"+itoa(a.ID), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected comment lookup, got %d %v", rr.Code, payload)
	}
	rr, _ = doRequest(t, handler, http.MethodGet, "/api/comments/abc", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-numeric id, got %d", rr.Code)
	}
}

func TestModerationEndpoint(t *testing.T) {
	env, handler := newTestServer(t, testConfig(), func(d *Deps) { d.Moderation = NewModerateTypes([]string{"blog.post"}) })
	held := mustSubmit(t, env, trusted("Alice", "alice@x"), commentInput("held", 0))
	path := "/api/comments/" + itoa(held.ID) + "/moderation"

	rr, _ := doRequest(t, handler, http.MethodPost, path, "", map[string]any{"action": "approve"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr, _ = doRequest(t, handler, http.MethodPost, path, bearer(t, "Alice", "trusted"), map[string]any{"action": "approve"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-moderator, got %d", rr.Code)
	}
	rr, payload := doRequest(t, handler, http.MethodPost, path, bearer(t, "Mod", "moderator"), map[string]any{"action": "approve"})
	comment, _ := payload["comment"].(map[string]any)
	if rr.Code != http.StatusOK || comment["state"] != string(StatePublic) {
		t.Fatalf("expected approved comment, got %d %v", rr.Code, payload)
	}
}

func TestSearchEndpoint(t *testing.T) {
	_, handler := newTestServer(t, testConfig(), nil)

	rr, _ := doRequest(t, handler, http.MethodGet, "/api/comments/search", "", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without q, got %d", rr.Code)
	}
	rr, payload := doRequest(t, handler, http.MethodGet, "/api/comments/search?q=golang&limit=5", "", nil)
	if rr.Code != http.StatusOK || payload["query"] != "golang" || payload["total"] != float64(1) {
		t.Fatalf("unexpected search response %d %v", rr.Code, payload)
	}
}

func TestUnknownRoute(t *testing.T) {
	_, handler := newTestServer(t, testConfig(), nil)
	rr, payload := doRequest(t, handler, http.MethodGet, "/api/nowhere", "", nil)
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected JSON 404, got %d %v", rr.Code, payload)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
