package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/utils"
)

type authString string

// AuthMiddleware accepts an optional bearer token. A present but invalid token is always
// rejected; a missing one only when required is set and the request writes.
func AuthMiddleware(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" {
			if required && !isReadOnly(c.Request.Method) && !hasActor(c.Request.Context()) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "Unauthorized"})
				c.Abort()
				return
			}
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "Unauthorized"})
			c.Abort()
			return
		}

		validate, err := utils.JwtValidate(strings.TrimSpace(token))
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "Unauthorized"})
			c.Abort()
			return
		}

		customClaim, _ := validate.Claims.(*utils.JwtCustomClaim)

		ctx := context.WithValue(c.Request.Context(), authString("auth"), customClaim)
		if username := customClaim.Username(); username != "" {
			ctx = utils.SetUsernameInContext(ctx, username)
			ctx = utils.SetActorInContext(ctx, username)
		}
		ctx = utils.SetIsAdminInContext(ctx, customClaim.IsAdmin())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func CtxValue(ctx context.Context) *utils.JwtCustomClaim {
	raw, _ := ctx.Value(authString("auth")).(*utils.JwtCustomClaim)
	return raw
}

func isReadOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// hasActor is true when an earlier middleware (the session token) authenticated the request.
func hasActor(ctx context.Context) bool {
	_, ok := utils.GetUsernameFromContext(ctx)
	return ok
}
