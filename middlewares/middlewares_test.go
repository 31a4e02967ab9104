package middlewares_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/middlewares"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type seen struct {
	actor   string
	admin   bool
	cid     string
	handled bool
}

func router(s *seen, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	h := func(c *gin.Context) {
		ctx := c.Request.Context()
		s.handled = true
		s.actor = utils.GetActorFromContext(ctx)
		s.admin, _ = utils.GetIsAdminFromContext(ctx)
		s.cid, _ = utils.GetCorrelationIdFromContext(ctx)
		c.Status(http.StatusNoContent)
	}
	r.GET("/x", h)
	r.POST("/x", h)
	return r
}

func serve(r *gin.Engine, method string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/x", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddlewareBearer(t *testing.T) {
	token, err := utils.JwtGenerate("alice", utils.RoleAdmin)
	require.NoError(t, err)

	var s seen
	rec := serve(router(&s, middlewares.AuthMiddleware(true)), http.MethodPost, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", s.actor)
	assert.True(t, s.admin)
}

func TestAuthMiddlewareRejects(t *testing.T) {
	cases := map[string]struct {
		required bool
		method   string
		header   string
		want     int
	}{
		"garbage token":           {false, http.MethodGet, "Bearer nope", http.StatusUnauthorized},
		"wrong scheme":            {false, http.MethodGet, "Basic abc", http.StatusUnauthorized},
		"anonymous read":          {true, http.MethodGet, "", http.StatusNoContent},
		"anonymous write":         {true, http.MethodPost, "", http.StatusUnauthorized},
		"anonymous write allowed": {false, http.MethodPost, "", http.StatusNoContent},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var s seen
			header := map[string]string{}
			if tc.header != "" {
				header["Authorization"] = tc.header
			}
			rec := serve(router(&s, middlewares.AuthMiddleware(tc.required)), tc.method, header)
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, tc.want == http.StatusNoContent, s.handled)
		})
	}
}

func TestSessionMiddleware(t *testing.T) {
	lookup := func(ctx context.Context, token string) (*middlewares.Session, bool, error) {
		if token == "ops-key" {
			return &middlewares.Session{Username: "ops-bot", Admin: true}, true, nil
		}
		return nil, false, nil
	}
	r := func(s *seen) *gin.Engine {
		return router(s, middlewares.SessionMiddleware(lookup), middlewares.AuthMiddleware(true))
	}

	var s seen
	rec := serve(r(&s), http.MethodPost, map[string]string{"token": "ops-key"})
	assert.Equal(t, http.StatusNoContent, rec.Code, "session satisfies required auth")
	assert.Equal(t, "ops-bot", s.actor)
	assert.True(t, s.admin)

	s = seen{}
	rec = serve(r(&s), http.MethodGet, map[string]string{"token": "stolen"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, s.handled)
}

func TestCorrelationMiddleware(t *testing.T) {
	var s seen
	r := router(&s, middlewares.CorrelationMiddleware())

	rec := serve(r, http.MethodGet, map[string]string{middlewares.CorrelationHeader: "abc-123"})
	assert.Equal(t, "abc-123", s.cid)
	assert.Equal(t, "abc-123", rec.Header().Get(middlewares.CorrelationHeader))

	rec = serve(r, http.MethodGet, nil)
	assert.NotEmpty(t, s.cid)
	assert.Equal(t, s.cid, rec.Header().Get(middlewares.CorrelationHeader))
}

func TestRateLimiterWithoutRedisPassesThrough(t *testing.T) {
	var s seen
	rl := middlewares.NewRateLimiter(nil, 1, 0)
	rec := serve(router(&s, rl.RateLimitMiddleware), http.MethodGet, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
