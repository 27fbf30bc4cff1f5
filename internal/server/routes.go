package server

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/constbot/internal/telegraph"
)

// maxUpdateBytes caps the size of one webhook body.
const maxUpdateBytes = 1 << 20

func (s *Server) registerRoutes() {
	s.engine.GET("/", handleIndex(s.opts.BotName))
	s.engine.GET("/healthz", handleHealth())

	if s.opts.Ingester != nil {
		s.engine.POST("/webhook/:token", handleWebhook(s.opts.Ingester, s.opts.WebhookToken))
	}
	if s.opts.Sweeper != nil {
		s.engine.POST("/verify", handleVerify(s.opts.Sweeper, s.opts.VerifyAuth))
	}
}

func handleIndex(botName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, "%s backend running...", botName)
	}
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleWebhook(ing Ingester, token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !secretEqual(c.Param("token"), token) {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpdateBytes)
		body, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		// Telegram redelivers on any non-2xx answer, so only malformed
		// updates are refused.
		if err := ing.Ingest(c.Request.Context(), body); err != nil {
			log.Printf("server: webhook: %v", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad update"})
			return
		}
		c.Status(http.StatusOK)
	}
}

func handleVerify(sw Sweeper, auth string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth != "" {
			got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			if !ok || !secretEqual(got, auth) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}
		report, err := sw.Sweep(c.Request.Context())
		switch {
		case errors.Is(err, telegraph.ErrSweepRunning):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			log.Printf("server: verify: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, report)
		}
	}
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
