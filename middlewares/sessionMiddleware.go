package middlewares

import (
	"net/http"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/utils"
	"github.com/gin-gonic/gin"
)

// Session is the redis-backed actor identity behind one token. Written by
// the auth service at login; this backend only reads it.
type Session struct {
	OrgId    string `json:"org_id"`
	UserId   int    `json:"user_id"`
	UserName string `json:"user_name"`
	Role     string `json:"role"`
	PartyId  string `json:"party_id"`
	IsAdmin  bool   `json:"is_admin"`
}

func sessionKey(token string) string {
	return "QcSession:" + token
}

// SessionMiddleware resolves the token header into the actor identity and
// puts it on the request context. A missing token passes through so public
// routes keep working; RequireSession is the gate.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		var session Session
		exists, err := config.GetRedisObject(sessionKey(token), &session)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetOrgIdInContext(ctx, session.OrgId)
		ctx = utils.SetUserIdInContext(ctx, session.UserId)
		ctx = utils.SetUserNameInContext(ctx, session.UserName)
		ctx = utils.SetActorRoleInContext(ctx, session.Role)
		ctx = utils.SetPartyIdInContext(ctx, session.PartyId)
		ctx = utils.SetIsAdminInContext(ctx, session.IsAdmin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireSession rejects requests that did not resolve to an actor.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, ok := utils.GetOrgIdFromContext(c.Request.Context())
		if !ok || orgId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin gates the internal ops routes.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.GetIsAdminFromContext(c.Request.Context()) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
