package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const headerCronSecret = "X-Cron-Secret"

// CronSecretRequired accepts the shared secret as a bearer token or in X-Cron-Secret.
// An unset secret rejects every caller.
func (s *Server) CronSecretRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.CronSecret)
		if expected == "" || !secretMatches(readCronSecret(c), expected) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func readCronSecret(c *gin.Context) string {
	if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.GetHeader(headerCronSecret))
}

func secretMatches(got, expected string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// ProcessBatchRuns runs one dispatch pass.
func (s *Server) ProcessBatchRuns(c *gin.Context) {
	res, err := s.dispatcher.Dispatch(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if res.ProcessedRunID == "" {
		c.JSON(http.StatusOK, gin.H{"message": res.Message, "recovered": res.Recovered})
		return
	}

	c.JSON(http.StatusOK, res)
}
