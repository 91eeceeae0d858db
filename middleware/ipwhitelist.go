package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// IPWhitelist restricts a route group, typically the admin endpoints, to the
// given source IPs. An empty list disables the restriction.
func IPWhitelist(ips []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		allowed[ip] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		if _, ok := allowed[c.ClientIP()]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
