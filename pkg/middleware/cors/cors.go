package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	allowedMethods  = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	allowedHeaders  = "Authorization, Content-Type, X-Request-ID"
	exposedHeaders  = "X-Request-ID, Content-Disposition, Content-Length"
	preflightMaxAge = "600"
)

// Policy decides which browser origins may call the API and open the event stream.
type Policy struct {
	anyOrigin bool
	origins   map[string]struct{}
}

// NewPolicy builds a policy from configured origins; "*" or an empty list admits any.
func NewPolicy(allowedOrigins []string) *Policy {
	p := &Policy{anyOrigin: len(allowedOrigins) == 0, origins: make(map[string]struct{}, len(allowedOrigins))}
	for _, origin := range allowedOrigins {
		origin = normalize(origin)
		switch origin {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[origin] = struct{}{}
		}
	}
	return p
}

// Allows reports whether origin may be served.
func (p *Policy) Allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[normalize(origin)]
	return ok
}

// New returns middleware enforcing the policy for allowedOrigins.
func New(allowedOrigins []string) gin.HandlerFunc {
	return NewPolicy(allowedOrigins).Handler()
}

// Handler answers preflights and decorates cross-origin responses. Requests
// without an Origin header are not browser CORS traffic and pass untouched.
func (p *Policy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Add("Vary", "Origin")

		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""

		if !p.Allows(origin) {
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		// credentials are only valid with an echoed origin, never with "*"
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")
		header.Set("Access-Control-Expose-Headers", exposedHeaders)

		if preflight {
			header.Add("Vary", "Access-Control-Request-Headers")
			header.Set("Access-Control-Allow-Methods", allowedMethods)
			header.Set("Access-Control-Allow-Headers", allowedHeaders)
			header.Set("Access-Control-Max-Age", preflightMaxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func normalize(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}
