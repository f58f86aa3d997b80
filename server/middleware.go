package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/projecteru2/core/log"

	"github.com/juliankiedaisch/deskgate/metrics"
	"github.com/juliankiedaisch/deskgate/resolver"
	"github.com/juliankiedaisch/deskgate/types"
)

const ctxSessionKey = "deskgate.session"

// sessionID extracts the session reference from the request: cookie, then
// X-Session-ID header, then bearer token, then query parameter.
func sessionID(r *http.Request) string {
	if ck, err := r.Cookie(resolver.SessionCookie); err == nil && ck.Value != "" {
		return ck.Value
	}
	if v := r.Header.Get("X-Session-ID"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("session_id")
}

// requireSession authenticates API requests against the session store and
// stashes the session for handlers. A missing token is a client mistake
// (400); an unknown or expired one is an auth failure (401).
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := sessionID(c.Request)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session required"})
			return
		}
		sess, err := s.registry.GetSession(c.Request.Context(), id)
		if errors.Is(err, types.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
			return
		}
		if sess.Expired(time.Now()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}

		// Plant the cookie so the resolver's sticky tier works for clients
		// that authenticated via header or query.
		if ck, err := c.Request.Cookie(resolver.SessionCookie); err != nil || ck.Value != sess.ID {
			maxAge := int(time.Until(sess.ExpiresAt).Seconds())
			c.SetCookie(resolver.SessionCookie, sess.ID, maxAge, "/", "", false, true)
		}
		c.Set(ctxSessionKey, sess)
		c.Next()
	}
}

// currentSession returns the session stashed by requireSession. Handlers
// behind the middleware can rely on it being present.
func currentSession(c *gin.Context) *types.Session {
	v, _ := c.Get(ctxSessionKey)
	return v.(*types.Session)
}

// requireAPIKey guards the edge integration endpoints. An empty configured
// key disables the guard.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.conf.APIKey == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.conf.APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// requestMetrics records one observation per request under the route
// template, so proxied asset paths do not explode label cardinality.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "no_route"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// requestLogger logs one line per request. Desktop traffic logs at debug
// since every proxied asset is a request of its own.
func requestLogger(desktopRoot string) gin.HandlerFunc {
	logger := log.WithFunc("server.http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		status := c.Writer.Status()
		line := fmt.Sprintf("%s %s %d %s %s",
			c.Request.Method, c.Request.URL.Path, status,
			time.Since(start).Round(time.Millisecond), c.ClientIP())
		switch {
		case status >= http.StatusInternalServerError:
			logger.Warnf(ctx, "%s", line)
		case strings.HasPrefix(c.Request.URL.Path, desktopRoot) || c.FullPath() == "":
			logger.Debugf(ctx, "%s", line)
		default:
			logger.Infof(ctx, "%s", line)
		}
	}
}
