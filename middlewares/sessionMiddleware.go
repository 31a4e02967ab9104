package middlewares

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/utils"
)

// Session is an opaque API token issued to service accounts (ops tooling, assistants).
type Session struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

// SessionLookup resolves a token; found is false for unknown or expired tokens.
type SessionLookup func(ctx context.Context, token string) (session *Session, found bool, err error)

func sessionKey(token string) string {
	return "session:" + token
}

// RedisSessionLookup reads sessions written by StoreSession.
func RedisSessionLookup(ctx context.Context, token string) (*Session, bool, error) {
	var s Session
	found, err := config.GetRedisObject(ctx, sessionKey(token), &s)
	if err != nil || !found {
		return nil, found, err
	}
	return &s, true, nil
}

func StoreSession(ctx context.Context, token string, s Session, ttl time.Duration) error {
	return config.SetRedisObject(ctx, sessionKey(token), s, ttl)
}

func RevokeSession(ctx context.Context, token string) error {
	return config.RemoveRedisKey(ctx, sessionKey(token))
}

// SessionMiddleware authenticates the "token" header. Requests without it pass through.
func SessionMiddleware(lookup SessionLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		session, exists, err := lookup(c.Request.Context(), token)
		if err != nil || !exists || session.Username == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "Unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, session.Username)
		ctx = utils.SetActorInContext(ctx, session.Username)
		ctx = utils.SetIsAdminInContext(ctx, session.Admin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
