package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID はリクエストIDを受け取るヘッダー名。
const HeaderRequestID = "X-Request-ID"

// ginRequestIDKey はgin.ContextにリクエストIDを格納するキー。
const ginRequestIDKey = "request_id"

// Logger はリクエストごとに1行のアクセスログを出力するGinミドルウェアを返す。
// リクエストIDはX-Request-IDヘッダーの値、なければUUIDを採番する。
// IDはログにのみ使い、転送先やレスポンスには付与しない。
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ginRequestIDKey, requestID)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id, ok := GetIdentity(c); ok {
			fields = append(fields, zap.String("subject", id.Subject))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
// Loggerミドルウェアが適用されていない場合は空文字列を返す。
func GetRequestID(c *gin.Context) string {
	return c.GetString(ginRequestIDKey)
}
