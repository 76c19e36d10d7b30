package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vaultsettle/internal/config"
)

type ClientOptions struct {
	URL            string
	HTTPClient     *http.Client
	Timeout        time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	MaxRetries     int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	Logger         *zap.Logger
}

func OptionsFromConfig(cfg config.LedgerConfig, logger *zap.Logger) ClientOptions {
	return ClientOptions{
		URL:            cfg.RPCURL,
		Timeout:        cfg.Timeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxRetries:     cfg.MaxRetries,
		BackoffMin:     cfg.BackoffMin,
		BackoffMax:     cfg.BackoffMax,
		Logger:         logger,
	}
}

// Client speaks JSON-RPC to the vault gateway. Every call goes through a shared
// token bucket, and transient failures are retried with jittered backoff.
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	opts       ClientOptions
	logger     *zap.Logger
	nextID     atomic.Uint64
}

// APIError is a non-JSON-RPC HTTP failure from the gateway.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	limit := rate.Inf
	if opts.RateLimitRPS > 0 {
		limit = rate.Limit(opts.RateLimitRPS)
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:        strings.TrimRight(strings.TrimSpace(opts.URL), "/"),
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(limit, burst),
		opts:       opts,
		logger:     logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type proposalResult struct {
	Vault    string          `json:"vault"`
	Index    uint64          `json:"index"`
	Status   json.RawMessage `json:"status"`
	Approved []string        `json:"approved"`
}

type vaultResult struct {
	Threshold        int    `json:"threshold"`
	TransactionIndex uint64 `json:"transactionIndex"`
}

type executeParams struct {
	Vault     string `json:"vault"`
	Index     uint64 `json:"index"`
	Authority string `json:"authority,omitempty"`
}

type executeResult struct {
	Signature string `json:"signature"`
}

func (c *Client) GetProposalSnapshot(ctx context.Context, vault string, index uint64) (Snapshot, error) {
	if c == nil {
		return Snapshot{}, fmt.Errorf("ledger client is nil")
	}
	vault = strings.TrimSpace(vault)
	if vault == "" {
		return Snapshot{}, fmt.Errorf("vault is required")
	}
	var res *proposalResult
	if err := c.call(ctx, "getProposal", []any{vault, index}, &res); err != nil {
		return Snapshot{}, err
	}
	if res == nil {
		return Snapshot{}, fmt.Errorf("%s #%d: %w", vault, index, ErrProposalNotFound)
	}
	return Snapshot{
		Vault:     vault,
		Index:     index,
		Status:    NormalizeStatus(res.Status),
		Approvers: res.Approved,
	}, nil
}

func (c *Client) GetVaultThreshold(ctx context.Context, vault string) (int, error) {
	info, err := c.getVault(ctx, vault)
	if err != nil {
		return 0, err
	}
	return info.Threshold, nil
}

func (c *Client) LatestTransactionIndex(ctx context.Context, vault string) (uint64, error) {
	info, err := c.getVault(ctx, vault)
	if err != nil {
		return 0, err
	}
	return info.TransactionIndex, nil
}

func (c *Client) getVault(ctx context.Context, vault string) (vaultResult, error) {
	if c == nil {
		return vaultResult{}, fmt.Errorf("ledger client is nil")
	}
	vault = strings.TrimSpace(vault)
	if vault == "" {
		return vaultResult{}, fmt.Errorf("vault is required")
	}
	var res *vaultResult
	if err := c.call(ctx, "getVault", []any{vault}, &res); err != nil {
		if errors.Is(err, ErrProposalNotFound) {
			return vaultResult{}, fmt.Errorf("%s: %w", vault, ErrVaultNotFound)
		}
		return vaultResult{}, err
	}
	if res == nil {
		return vaultResult{}, fmt.Errorf("%s: %w", vault, ErrVaultNotFound)
	}
	return *res, nil
}

// SubmitExecution asks the gateway to execute a proposal. A proposal that is
// already executed comes back as a successful result with AlreadyExecuted set.
func (c *Client) SubmitExecution(ctx context.Context, vault string, index uint64, authority string) (ExecutionResult, error) {
	if c == nil {
		return ExecutionResult{}, fmt.Errorf("ledger client is nil")
	}
	vault = strings.TrimSpace(vault)
	if vault == "" {
		return ExecutionResult{}, fmt.Errorf("vault is required")
	}
	var res *executeResult
	err := c.call(ctx, "executeProposal", executeParams{
		Vault:     vault,
		Index:     index,
		Authority: strings.TrimSpace(authority),
	}, &res)
	if errors.Is(err, ErrAlreadyExecuted) {
		return ExecutionResult{AlreadyExecuted: true}, nil
	}
	if err != nil {
		return ExecutionResult{}, err
	}
	out := ExecutionResult{}
	if res != nil {
		out.TxID = strings.TrimSpace(res.Signature)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	backoff := c.opts.BackoffMin
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, c.opts.BackoffMax)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = c.do(ctx, method, params, out)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		c.logger.Debug("ledger call retry",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("%s: retries exhausted: %w", method, lastErr)
}

func (c *Client) do(ctx context.Context, method string, params any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return fmt.Errorf("%s: %w: %v", method, ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: read response: %v", method, ErrTimeout, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", method, ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: %w: %w", method, ErrUnavailable, &APIError{Status: resp.StatusCode, Body: string(body)})
	case resp.StatusCode != http.StatusOK:
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

var _ Oracle = (*Client)(nil)
