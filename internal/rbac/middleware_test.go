package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"carecall/internal/auth"
	"carecall/internal/config"
)

func newRouter(t *testing.T, allowed ...string) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, err := auth.NewManager(config.StreamConfig{TokenSecret: "secret", Issuer: "carecall", Audience: "media-stream"})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	r := gin.New()
	r.GET("/x", RequireAnyRole(m, allowed...), func(c *gin.Context) {
		claims, ok := Operator(c)
		if !ok {
			c.Status(500)
			return
		}
		c.String(200, claims.Subject)
	})
	return r, m
}

func get(r *gin.Engine, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAnyRole_AllowsListedRole(t *testing.T) {
	r, m := newRouter(t, RoleSupport)
	tok, err := m.IssueOperatorToken(time.Now(), "ops-1", RoleSupport, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	w := get(r, tok)
	if w.Code != 200 || w.Body.String() != "ops-1" {
		t.Fatalf("expected 200 ops-1, got %d %q", w.Code, w.Body.String())
	}
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	r, m := newRouter(t, RoleFinance)
	tok, _ := m.IssueOperatorToken(time.Now(), "root", RoleAdmin, time.Hour)
	if w := get(r, tok); w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireAnyRole_ForbidsOtherRoles(t *testing.T) {
	r, m := newRouter(t, RoleFinance)
	tok, _ := m.IssueOperatorToken(time.Now(), "ops-1", RoleSupport, time.Hour)
	if w := get(r, tok); w.Code != 403 {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestRequireAnyRole_RejectsMissingOrStreamToken(t *testing.T) {
	r, m := newRouter(t, RoleSupport)
	if w := get(r, ""); w.Code != 401 {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	streamTok, _ := m.IssueStreamToken(time.Now(), "cs-1", "acct-1", "line-1")
	if w := get(r, streamTok); w.Code != 401 {
		t.Fatalf("expected 401 for stream token, got %d", w.Code)
	}
}

func TestBearer(t *testing.T) {
	if tok, ok := bearer("bearer abc"); !ok || tok != "abc" {
		t.Fatalf("expected abc, got %q %v", tok, ok)
	}
	if _, ok := bearer("Basic abc"); ok {
		t.Fatalf("expected rejection")
	}
	if _, ok := bearer("Bearer "); ok {
		t.Fatalf("expected rejection of empty token")
	}
}
