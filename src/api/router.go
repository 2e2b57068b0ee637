// Package api wires the Gin engine that hosts the MCP HTTP+SSE transport,
// the operator-facing /health and /monitor endpoints, and swagger docs,
// behind a recovery/CORS/no-cache/processing-time/logrus middleware stack.
package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/nfshanq/ptyctl/src/registry"
)

// AuthChecker validates a bearer token from an Authorization header. A nil
// checker disables the check entirely.
type AuthChecker func(token string) bool

// SetupRouter configures the Gin engine: recovery, CORS, no-cache, optional
// processing-time and request logging middleware, then /health and (when
// reg is non-nil) /monitor/:id.
// The /mcp mount itself is added separately by mcp.NewServer, which needs
// the *gin.Engine this function returns.
func SetupRouter(reg *registry.Registry, auth AuthChecker, disableRequestLogging, enableProcessingTime bool) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())

	if enableProcessingTime {
		r.Use(processingTimeMiddleware())
	}
	if !disableRequestLogging {
		r.Use(logrusMiddleware())
	}

	r.GET("/swagger", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.GET("/health", healthHandler(reg))
	r.HEAD("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	if reg != nil {
		monitorGroup := r.Group("/")
		if auth != nil {
			monitorGroup.Use(bearerAuthMiddleware(auth))
		}
		monitorGroup.GET("/monitor/:session_id", monitorHandler(reg))
	}

	return r
}

// MCPAuthMiddleware returns the bearer-token gate for the /mcp mount; main.go
// passes it to mcp.NewServer, which installs it on the /mcp group ahead of
// the SDK's http.Handler. Returns nil (no middleware) when auth is nil,
// leaving /mcp open.
func MCPAuthMiddleware(auth AuthChecker) gin.HandlerFunc {
	if auth == nil {
		return nil
	}
	return bearerAuthMiddleware(auth)
}

func bearerAuthMiddleware(auth AuthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) || !auth(strings.TrimPrefix(header, prefix)) {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}

func healthHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if reg != nil {
			stats := reg.Stats()
			body["sessions"] = reg.Count()
			body["reaper_ticks"] = stats.Ticks
			body["locks_cleared"] = stats.LocksCleared
			body["sessions_reaped"] = stats.SessionsReaped
		}
		c.JSON(http.StatusOK, body)
	}
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// noCacheMiddleware adds no-cache headers to all responses.
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("Expires", "0")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// sensitiveQueryParams are redacted from logged request paths: credential
// fields (password, passphrase, private_key_pem, token) plus any query
// param a client might (mis)use to pass one.
var sensitiveQueryParams = []string{
	"token", "access_token", "bearer", "authorization", "auth",
	"password", "passwd", "passphrase",
	"private_key_pem", "private_key", "secret", "key",
	"session_id", "task_id", "jwt", "credential", "credentials",
}

// redactSecrets redacts sensitive query parameter values from a path+query
// string before it reaches a log line.
func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery
	}

	basePath, queryString := parts[0], parts[1]

	values, err := url.ParseQuery(queryString)
	if err != nil {
		return redactQueryPatterns(pathWithQuery)
	}

	hasSecrets := false
	for key := range values {
		if isSensitiveParam(key) {
			hasSecrets = true
			break
		}
	}
	if !hasSecrets {
		return pathWithQuery
	}

	for key := range values {
		if isSensitiveParam(key) {
			values.Set(key, "[REDACTED]")
		}
	}
	return basePath + "?" + values.Encode()
}

func isSensitiveParam(key string) bool {
	for _, p := range sensitiveQueryParams {
		if strings.EqualFold(key, p) {
			return true
		}
	}
	return false
}

// redactQueryPatterns redacts secrets using regex patterns when URL parsing
// fails (malformed query strings).
func redactQueryPatterns(pathWithQuery string) string {
	result := pathWithQuery
	for _, param := range sensitiveQueryParams {
		pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(param) + `=)[^&\s]*`)
		result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
	}
	return result
}

func logrusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		sanitizedPath := redactSecrets(path)

		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		if len(c.Errors) > 0 {
			logrus.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		msg := fmt.Sprintf("%s %s %d %d %dms", c.Request.Method, sanitizedPath, statusCode, dataLength, latency)
		switch {
		case statusCode >= http.StatusInternalServerError:
			logrus.Error(msg)
		case statusCode >= http.StatusBadRequest:
			logrus.Warn(msg)
		default:
			logrus.Info(msg)
		}
	}
}
