package gateway

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/edgegate/pkg/middleware"
	"go.uber.org/zap"
)

// Version はゲートウェイのバージョン。ビルド時に -ldflags で上書きできる。
var Version = "0.1.0"

const (
	// licenseID は配布ライセンスのSPDX識別子。
	licenseID = "AGPL-3.0-or-later"
	// licenseNotice はSaaS運用者向けの告知文。
	licenseNotice = "SaaS operators must publish complete service source code under AGPL-3.0."
	// devTokenTTL は開発用トークンの有効期間。
	devTokenTTL = 24 * time.Hour
)

// handleHealth は死活状態・バージョン・稼働秒数を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"version":     Version,
			"uptime_secs": int64(time.Since(s.startedAt).Seconds()),
		})
	}
}

// handleLicense はライセンス情報を返すハンドラを返す。
func (s *Server) handleLicense() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-License", licenseID)
		c.JSON(http.StatusOK, gin.H{
			"license":     licenseID,
			"source_code": s.cfg.LicenseSourceURL,
			"notice":      licenseNotice,
		})
	}
}

// handleStats は判定結果ごとの累計を返すハンドラを返す。
// 統計が無効な場合は404を返す。
func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.store == nil {
			writeError(c, http.StatusNotFound, "Stats disabled", "")
			return
		}

		summary, err := s.store.Summary(c.Request.Context())
		if err != nil {
			s.logger.Error("統計の取得に失敗しました", zap.Error(err))
			writeError(c, http.StatusInternalServerError, "Stats unavailable", err.Error())
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"backend":    s.cfg.Stats.Backend,
			"total":      summary.Total,
			"by_outcome": summary.ByOutcome,
			"dropped":    s.recorder.Dropped(),
			"identities": s.limiter.Len(),
		})
	}
}

// devTokenRequest は開発用トークン発行リクエスト。全て任意。
type devTokenRequest struct {
	Subject string `json:"subject"`
	Email   string `json:"email"`
	Role    string `json:"role"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// 本番環境では無効化すべき。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(c, http.StatusBadRequest, "Invalid request", err.Error())
			return
		}
		if req.Subject == "" {
			req.Subject = uuid.New().String()
		}

		expiresAt := time.Now().Add(devTokenTTL).Unix()
		token, err := middleware.GenerateJWT(s.cfg.JWTSecret, middleware.Identity{
			Subject:   req.Subject,
			Email:     req.Email,
			Role:      req.Role,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			s.logger.Error("JWT生成に失敗しました", zap.Error(err))
			writeError(c, http.StatusInternalServerError, "Token issue fail", "")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"subject":    req.Subject,
			"expires_at": expiresAt,
		})
	}
}
