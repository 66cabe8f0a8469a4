package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// 管理画面とモバイルアプリのWebビューからのAPIアクセスを許可する。
// "*" を含む場合は全オリジンを許可する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allow := OriginChecker(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allow(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// OriginChecker は許可オリジンの判定関数を返す。
// WebSocketハンドシェイクのオリジン検査でも同じ判定を使う。
func OriginChecker(allowedOrigins []string) func(origin string) bool {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		originsSet[o] = struct{}{}
	}
	return func(origin string) bool {
		if wildcard {
			return true
		}
		_, ok := originsSet[origin]
		return ok
	}
}
