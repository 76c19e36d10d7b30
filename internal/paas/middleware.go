package paas

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func envFlag(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return strings.EqualFold(v, "true") || v == "1"
}

// RequireBearerMiddleware rejects /api and docs requests without a bearer token.
// Token validation itself happens at the gateway.
func RequireBearerMiddleware() gin.HandlerFunc {
	disabled := envFlag("SETTLE_AUTH_DISABLED")
	requireGatewayHeader := envFlag("SETTLE_REQUIRE_GATEWAY")

	return func(c *gin.Context) {
		if disabled {
			c.Next()
			return
		}
		p := c.Request.URL.Path
		if p == "/healthz" || p == "/readyz" || p == "/metrics" {
			c.Next()
			return
		}
		if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/swagger") || p == "/docs" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if !strings.HasPrefix(auth, "Bearer ") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
				return
			}
			if requireGatewayHeader && strings.TrimSpace(c.GetHeader("X-Easyweb3-Project")) == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-Easyweb3-Project"})
				return
			}
		}
		c.Next()
	}
}

// auditActions names the settlement operation behind each mutating route.
var auditActions = map[string]string{
	"/api/v1/settlements/:match_id/reset":   "settlement_reset_requested",
	"/api/v1/reconciler/scan":               "reconciler_scan_requested",
	"/api/v1/system-settings/switches/:key": "feature_switch_write",
}

const auditFieldsKey = "paas.audit_fields"

// SetAuditField adds a field to the audit entry written for this request.
func SetAuditField(c *gin.Context, key string, value any) {
	if c == nil {
		return
	}
	fields, _ := c.Get(auditFieldsKey)
	m, ok := fields.(map[string]any)
	if !ok {
		m = map[string]any{}
		c.Set(auditFieldsKey, m)
	}
	m[key] = value
}

func auditAction(route string) string {
	if a, ok := auditActions[route]; ok {
		return a
	}
	return "settlement_http_write"
}

// WriteAuditMiddleware records every mutating /api request in the PaaS log,
// keyed by the settlement or switch it touched.
func WriteAuditMiddleware(p *Client, logger *zap.Logger) gin.HandlerFunc {
	if p == nil {
		return func(c *gin.Context) { c.Next() }
	}
	agent := strings.TrimSpace(os.Getenv("SETTLE_PAAS_AGENT"))
	if agent == "" {
		agent = p.AgentName()
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		method := strings.ToUpper(c.Request.Method)
		if !strings.HasPrefix(path, "/api/") {
			return
		}
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return
		}

		status := c.Writer.Status()
		route := c.FullPath()
		details := map[string]any{
			"method":   method,
			"route":    route,
			"status":   status,
			"duration": time.Since(start).String(),
			"role":     strings.TrimSpace(c.GetHeader("X-Easyweb3-Role")),
		}
		if matchID := strings.TrimSpace(c.Param("match_id")); matchID != "" {
			details["match_id"] = matchID
		}
		if key := strings.TrimSpace(c.Param("key")); key != "" {
			details["switch"] = key
		}
		if fields, ok := c.Get(auditFieldsKey); ok {
			for k, v := range fields.(map[string]any) {
				details[k] = v
			}
		}
		metadata := map[string]any{}
		if project := strings.TrimSpace(c.GetHeader("X-Easyweb3-Project")); project != "" {
			metadata["project"] = project
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := p.CreateLog(ctx, CreateLogRequest{
			Agent:    agent,
			Action:   auditAction(route),
			Level:    levelFromStatus(status),
			Details:  details,
			Metadata: metadata,
		})
		if err != nil && logger != nil {
			logger.Debug("paas audit log failed", zap.String("route", route), zap.Error(err))
		}
	}
}

func levelFromStatus(status int) string {
	if status >= 500 {
		return "error"
	}
	if status >= 400 {
		return "warn"
	}
	return "info"
}
