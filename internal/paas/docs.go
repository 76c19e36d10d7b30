package paas

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const serviceDocs = `# Settlement Service

Reconciles match settlement records against vault proposals and executes
approved payouts. Intended to be reached through the easyweb3 PaaS Gateway.

## Access via PaaS

Base path (through gateway):
- /api/v1/services/settlement/

## Auth

All /api/* routes require a Bearer token (validated by the gateway).
Health and metrics endpoints are public.

## Routes

- GET /healthz
- GET /readyz
- GET /metrics
- GET /swagger/index.html
- GET /api/v1/settlements
- GET /api/v1/settlements/{match_id}
- POST /api/v1/settlements/{match_id}/reset
- POST /api/v1/reconciler/scan
- GET /api/v1/reconciler/telemetry
- GET /api/v1/reconciler/attempts
- GET /api/v1/system-settings/switches
- PUT /api/v1/system-settings/switches/{key}
`

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, serviceDocs)
	})
}
