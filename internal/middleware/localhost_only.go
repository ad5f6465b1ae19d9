package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LocalhostOnly restricts access to loopback addresses plus an optional
// allowlist of IPs or CIDR ranges. Used for the admin surface.
type LocalhostOnly struct {
	logger     *logrus.Logger
	allowedIPs []string
}

// NewLocalhostOnly creates the restriction middleware.
func NewLocalhostOnly(logger *logrus.Logger, allowedIPs []string) *LocalhostOnly {
	return &LocalhostOnly{logger: logger, allowedIPs: allowedIPs}
}

func (l *LocalhostOnly) allowed(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}

	for _, entry := range l.allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// Restrict blocks requests from addresses outside the allowlist.
func (l *LocalhostOnly) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if l.allowed(clientIP) {
			c.Next()
			return
		}

		l.logger.WithFields(logrus.Fields{
			"client_ip": clientIP,
			"path":      c.Request.URL.Path,
			"method":    c.Request.Method,
		}).Warn("Admin endpoint access denied")

		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "Access restricted",
		})
		c.Abort()
	}
}
