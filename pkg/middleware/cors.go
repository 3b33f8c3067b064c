package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// AnyOrigin は全てのオリジンを許可する指定。
const AnyOrigin = "*"

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// allowedOriginsに"*"が含まれる場合は全てのオリジンを許可する。
//
// プリフライト（Access-Control-Request-Method付きのOPTIONS）だけを204で終了し、
// それ以外のOPTIONSは後続に流して上流へ転送させる。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAny := slices.Contains(allowedOrigins, AnyOrigin)
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		_, listed := originsSet[origin]
		allowed := origin != "" && (allowAny || listed)

		if allowed {
			if allowAny {
				c.Header("Access-Control-Allow-Origin", AnyOrigin)
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
