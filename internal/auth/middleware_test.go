package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newRouter(m *Manager, local string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RequireAccessToken(m), RequireUser(local), func(c *gin.Context) {
		uid, _ := UserID(c.Request.Context())
		c.String(http.StatusOK, uid)
	})
	return r
}

func TestMiddlewareAdmitsLocalUserOnly(t *testing.T) {
	m := newManager(t)
	r := newRouter(m, "alice")

	aliceTok, _ := m.IssuePair(time.Now(), "alice")
	bobTok, _ := m.IssuePair(time.Now(), "bob")

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"refresh token", "Bearer " + aliceTok.RefreshToken, http.StatusUnauthorized},
		{"other user", "Bearer " + bobTok.AccessToken, http.StatusForbidden},
		{"local user", "Bearer " + aliceTok.AccessToken, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
		}
	}
}

func TestMiddlewareQueryTokenOnlyForUpgrades(t *testing.T) {
	m := newManager(t)
	r := newRouter(m, "alice")
	tok, _ := m.IssuePair(time.Now(), "alice")

	req := httptest.NewRequest(http.MethodGet, "/x?access_token="+tok.AccessToken, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("query token on plain request: expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/x?access_token="+tok.AccessToken, nil)
	req.Header.Set("Upgrade", "websocket")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("query token on upgrade: expected 200, got %d", w.Code)
	}
}
