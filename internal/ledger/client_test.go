package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	return NewClient(ClientOptions{
		URL:        url,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		BackoffMin: time.Millisecond,
		BackoffMax: 2 * time.Millisecond,
	})
}

func decodeMethod(t *testing.T, r *http.Request) string {
	t.Helper()
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return req.Method
}

func TestClient_GetProposalSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m := decodeMethod(t, r); m != "getProposal" {
			t.Errorf("method=%s", m)
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"vault":"v1","index":7,"status":{"__kind":"Approved"},"approved":["a","b"]}}`))
	}))
	defer srv.Close()

	snap, err := newTestClient(srv.URL).GetProposalSnapshot(context.Background(), "v1", 7)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if snap.Status != StatusApproved || snap.Index != 7 || len(snap.Approvers) != 2 {
		t.Fatalf("snap=%+v", snap)
	}
}

func TestClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"threshold":2,"transactionIndex":12}}`))
	}))
	defer srv.Close()

	latest, err := newTestClient(srv.URL).LatestTransactionIndex(context.Background(), "v1")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if latest != 12 {
		t.Fatalf("latest=%d want 12", latest)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d want 3", calls.Load())
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetVaultThreshold(context.Background(), "v1")
	if !errors.Is(err, ErrUnavailable) || !IsTransient(err) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("calls=%d want 4", calls.Load())
	}
}

func TestClient_ProposalNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32004,"message":"account not found"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetProposalSnapshot(context.Background(), "v1", 99)
	if !errors.Is(err, ErrProposalNotFound) {
		t.Fatalf("err=%v want ErrProposalNotFound", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("not found must not be retried, calls=%d", calls.Load())
	}
}

func TestClient_NullProposalIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetProposalSnapshot(context.Background(), "v1", 3)
	if !errors.Is(err, ErrProposalNotFound) {
		t.Fatalf("err=%v want ErrProposalNotFound", err)
	}
}

func TestClient_SubmitExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m := decodeMethod(t, r); m != "executeProposal" {
			t.Errorf("method=%s", m)
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"signature":"sig-123"}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).SubmitExecution(context.Background(), "v1", 7, "auth")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.TxID != "sig-123" || res.AlreadyExecuted {
		t.Fatalf("res=%+v", res)
	}
}

func TestClient_SubmitExecution_AlreadyExecuted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32010,"message":"already executed"}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).SubmitExecution(context.Background(), "v1", 7, "")
	if err != nil {
		t.Fatalf("already executed should be success, err=%v", err)
	}
	if !res.AlreadyExecuted {
		t.Fatalf("res=%+v", res)
	}
}

func TestClient_RejectedExecutionIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32011,"message":"not executable"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).SubmitExecution(context.Background(), "v1", 7, "")
	if !errors.Is(err, ErrRejectedByLedger) || IsTransient(err) {
		t.Fatalf("err=%v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv.URL).GetVaultThreshold(ctx, "v1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}
