package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/registry_importer/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type seen struct {
	correlation string
	operator    string
	session     string
}

func newRouter(captured *seen, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/imports/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		captured.correlation, _ = utils.GetCorrelationIdFromContext(ctx)
		captured.operator, _ = utils.GetOperatorFromContext(ctx)
		captured.session, _ = utils.GetSessionIdFromContext(ctx)
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequestContextMiddleware(t *testing.T) {
	var got seen
	r := newRouter(&got, RequestContextMiddleware())

	req := httptest.NewRequest(http.MethodGet, "/imports/abc", nil)
	req.Header.Set(HeaderCorrelationId, "cid-1")
	req.Header.Set("x-operator", "clerk")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got.correlation != "cid-1" || got.operator != "clerk" || got.session != "abc" {
		t.Fatalf("unexpected context values %+v", got)
	}
	if w.Header().Get(HeaderCorrelationId) != "cid-1" {
		t.Fatalf("expected correlation id echoed, got %q", w.Header().Get(HeaderCorrelationId))
	}

	got = seen{}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/imports/abc", nil))
	if got.correlation == "" || w.Header().Get(HeaderCorrelationId) != got.correlation {
		t.Fatalf("expected a minted correlation id, got %q", got.correlation)
	}
}

func TestReadinessMiddleware(t *testing.T) {
	ready := false
	var got seen
	r := newRouter(&got, ReadinessMiddleware(func() bool { return ready }))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/imports/abc", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while not ready, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected healthz to pass, got %d", w.Code)
	}

	ready = true
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/imports/abc", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", w.Code)
	}
}

func TestParseOperatorKeys(t *testing.T) {
	keys := ParseOperatorKeys("alice:k1, bob : k2 ,broken, :k3,carol:")
	if len(keys) != 2 || keys["k1"] != "alice" || keys["k2"] != "bob" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestOperatorKeyMiddleware(t *testing.T) {
	var got seen
	r := newRouter(&got, RequestContextMiddleware(), OperatorKeyMiddleware(map[string]string{"k1": "alice"}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/imports/abc", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/imports/abc", nil)
	req.Header.Set("Authorization", "Bearer k2")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unknown key, got %d", w.Code)
	}

	// the key's operator wins over a self-declared header
	req = httptest.NewRequest(http.MethodGet, "/imports/abc", nil)
	req.Header.Set("Authorization", "Bearer k1")
	req.Header.Set("x-operator", "mallory")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || got.operator != "alice" {
		t.Fatalf("expected alice, got %d %q", w.Code, got.operator)
	}
}

func TestOperatorKeyMiddleware_OpenWithoutKeys(t *testing.T) {
	var got seen
	r := newRouter(&got, OperatorKeyMiddleware(nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/imports/abc", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
