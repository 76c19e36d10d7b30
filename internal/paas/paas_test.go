package paas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"vaultsettle/internal/settlement"
)

type fakeGateway struct {
	mu     sync.Mutex
	logins int
	logs   []CreateLogRequest
	auth   []string
	failed bool
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.logins++
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":      "tok-1",
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/api/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.failed {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var req CreateLogRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.logs = append(g.logs, req)
		g.auth = append(g.auth, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func TestClient_CreateLogLogsInOnce(t *testing.T) {
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	c := &Client{BaseURL: srv.URL + "/", APIKey: "key"}
	for i := 0; i < 2; i++ {
		if err := c.CreateLog(context.Background(), CreateLogRequest{Action: "x", Level: "info"}); err != nil {
			t.Fatalf("create log: %v", err)
		}
	}
	if gw.logins != 1 {
		t.Fatalf("expected a single login, got %d", gw.logins)
	}
	if len(gw.logs) != 2 || gw.logs[0].Agent != "settlementd" {
		t.Fatalf("unexpected logs: %+v", gw.logs)
	}
	if gw.auth[0] != "Bearer tok-1" {
		t.Fatalf("unexpected auth header %q", gw.auth[0])
	}
}

func TestClient_LoginRequiresKey(t *testing.T) {
	c := &Client{BaseURL: "http://127.0.0.1:1"}
	if err := c.Login(context.Background()); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestNotifier_ForwardsEvent(t *testing.T) {
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	n := &Notifier{Client: &Client{BaseURL: srv.URL, APIKey: "key", Agent: "settle-test"}}
	n.Notify(context.Background(), settlement.AdminEvent{
		ID:       "evt-1",
		Kind:     settlement.EventRetryExhausted,
		Title:    "retries exhausted",
		Message:  "match m1",
		Metadata: map[string]any{"match_id": "m1"},
		At:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	if len(gw.logs) != 1 {
		t.Fatalf("expected one log, got %d", len(gw.logs))
	}
	got := gw.logs[0]
	if got.Agent != "settle-test" || got.Action != settlement.EventRetryExhausted || got.Level != "error" {
		t.Fatalf("unexpected log: %+v", got)
	}
	if got.Details["event_id"] != "evt-1" || got.Metadata["match_id"] != "m1" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestNotifier_FallsBackToLog(t *testing.T) {
	gw := &fakeGateway{failed: true}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	n := &Notifier{Client: &Client{BaseURL: srv.URL, APIKey: "key"}, Logger: zap.New(core)}
	n.Notify(context.Background(), settlement.AdminEvent{Kind: settlement.EventOrphansDetected, Title: "orphans"})

	if logs.FilterMessage("admin event").Len() != 1 {
		t.Fatalf("expected fallback admin event log, got %v", logs.All())
	}
}

func TestNotifier_NilSafe(t *testing.T) {
	var n *Notifier
	n.Notify(context.Background(), settlement.AdminEvent{})
}

func TestRequireBearerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("SETTLE_AUTH_DISABLED", "")
	t.Setenv("SETTLE_REQUIRE_GATEWAY", "")

	r := gin.New()
	r.Use(RequireBearerMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/settlements", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		path   string
		auth   string
		status int
	}{
		{"/healthz", "", http.StatusOK},
		{"/api/v1/settlements", "", http.StatusUnauthorized},
		{"/api/v1/settlements", "Bearer abc", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Fatalf("%s auth=%q: expected %d, got %d", tc.path, tc.auth, tc.status, w.Code)
		}
	}
}

func TestWriteAuditMiddleware_SkipsReads(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	r := gin.New()
	r.Use(WriteAuditMiddleware(&Client{BaseURL: srv.URL, APIKey: "key"}, nil))
	r.GET("/api/v1/settlements", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/reconciler/scan", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	for _, m := range []string{http.MethodGet, http.MethodPost} {
		path := "/api/v1/settlements"
		if m == http.MethodPost {
			path = "/api/v1/reconciler/scan"
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(m, path, nil))
	}
	if len(gw.logs) != 1 || gw.logs[0].Action != "reconciler_scan_requested" {
		t.Fatalf("expected one write audit log, got %+v", gw.logs)
	}
}

func TestWriteAuditMiddleware_RecordsSettlementFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	r := gin.New()
	r.Use(WriteAuditMiddleware(&Client{BaseURL: srv.URL, APIKey: "key"}, nil))
	r.POST("/api/v1/settlements/:match_id/reset", func(c *gin.Context) {
		SetAuditField(c, "status_reset", true)
		c.Status(http.StatusOK)
	})
	r.POST("/api/v1/other", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/m-42/reset", nil)
	req.Header.Set("X-Easyweb3-Project", "arena")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/other", nil))

	if len(gw.logs) != 2 {
		t.Fatalf("expected two audit logs, got %+v", gw.logs)
	}
	got := gw.logs[0]
	if got.Action != "settlement_reset_requested" || got.Level != "info" {
		t.Fatalf("unexpected reset audit: %+v", got)
	}
	if got.Details["match_id"] != "m-42" || got.Details["status_reset"] != true {
		t.Fatalf("unexpected reset details: %+v", got.Details)
	}
	if got.Metadata["project"] != "arena" {
		t.Fatalf("unexpected metadata: %+v", got.Metadata)
	}
	if other := gw.logs[1]; other.Action != "settlement_http_write" || other.Level != "warn" {
		t.Fatalf("unexpected fallback audit: %+v", other)
	}
	if _, ok := gw.logs[1].Details["match_id"]; ok {
		t.Fatalf("match_id set on a route without one: %+v", gw.logs[1].Details)
	}
}

func TestLogBestEffortCtx_UsesContextClient(t *testing.T) {
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	LogBestEffortCtx(context.Background(), "ignored", "info", nil)
	ctx := WithClient(context.Background(), &Client{BaseURL: srv.URL, APIKey: "key"})
	if ClientFromContext(ctx) == nil {
		t.Fatalf("client not attached")
	}
	LogBestEffortCtx(ctx, "settlement_reset", "info", map[string]any{"match_id": "m1"})
	if len(gw.logs) != 1 || gw.logs[0].Action != "settlement_reset" {
		t.Fatalf("unexpected logs: %+v", gw.logs)
	}
}
