package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/clearconsent/consentd/pkg/ipsource"
)

// CtxClientIPKey holds the client address resolved through the configured
// trust chain. Consent evidence must use this value, not gin's ClientIP.
const CtxClientIPKey = "consentClientIP"

// ClientIP resolves the requester address once per request and stores it in
// the gin context for handlers that record consent evidence.
func ClientIP(resolver *ipsource.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(CtxClientIPKey, resolver.Resolve(c.Request))
		c.Next()
	}
}

// ResolvedClientIP returns the address stored by ClientIP, falling back to
// gin's own resolution when the middleware did not run.
func ResolvedClientIP(c *gin.Context) string {
	if ip := c.GetString(CtxClientIPKey); ip != "" {
		return ip
	}
	return c.ClientIP()
}
