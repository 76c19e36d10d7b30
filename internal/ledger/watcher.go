package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ProposalEvent is a change notification pushed by the gateway.
type ProposalEvent struct {
	Vault  string
	Index  uint64
	Status ProposalStatus
}

// VaultProvider returns the vaults the watcher should subscribe to.
type VaultProvider func(context.Context) ([]string, error)

type WatcherOptions struct {
	URL               string
	Vaults            VaultProvider
	RefreshInterval   time.Duration
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Logger            *zap.Logger
}

// Watcher holds a websocket subscription to proposal changes on the tracked
// vaults. It only produces hints; the scanner remains the source of truth.
type Watcher struct {
	opts WatcherOptions
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{opts: opts}
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type notification struct {
	Method string `json:"method"`
	Params struct {
		Vault  string          `json:"vault"`
		Index  uint64          `json:"index"`
		Status json.RawMessage `json:"status"`
	} `json:"params"`
}

// Run connects, subscribes and forwards events until ctx is done. Connection
// failures back off and reconnect; the vault set is re-read on every connect
// and at RefreshInterval.
func (w *Watcher) Run(ctx context.Context, onEvent func(ProposalEvent)) error {
	if w == nil {
		return fmt.Errorf("watcher is nil")
	}
	if strings.TrimSpace(w.opts.URL) == "" {
		return fmt.Errorf("watcher url is required")
	}
	logger := w.opts.Logger
	backoff := w.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vaults, err := w.vaults(ctx)
		if err != nil || len(vaults) == 0 {
			if err != nil {
				logger.Warn("ledger watch vault list failed", zap.Error(err))
			}
			if err := sleepWithJitter(ctx, w.opts.RefreshInterval); err != nil {
				return err
			}
			continue
		}

		conn, _, err := websocket.Dial(ctx, w.opts.URL, nil)
		if err != nil {
			logger.Warn("ledger ws connect failed", zap.Error(err))
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, w.opts.BackoffMax)
			continue
		}
		conn.SetReadLimit(1 << 20)

		if err := subscribe(ctx, conn, vaults); err != nil {
			logger.Warn("ledger ws subscribe failed", zap.Error(err))
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, w.opts.BackoffMax)
			continue
		}
		logger.Info("ledger ws subscribed", zap.Int("vaults", len(vaults)))
		backoff = w.opts.BackoffMin

		err = w.consume(ctx, conn, onEvent)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, errRefresh) {
			logger.Warn("ledger ws stream ended", zap.Error(err))
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, w.opts.BackoffMax)
		}
	}
}

var errRefresh = errors.New("subscription refresh")

func (w *Watcher) vaults(ctx context.Context) ([]string, error) {
	if w.opts.Vaults == nil {
		return nil, nil
	}
	return w.opts.Vaults(ctx)
}

func subscribe(ctx context.Context, conn *websocket.Conn, vaults []string) error {
	payload, err := json.Marshal(subscribeRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "proposalSubscribe",
		Params:  []any{vaults},
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (w *Watcher) consume(ctx context.Context, conn *websocket.Conn, onEvent func(ProposalEvent)) error {
	streamCtx, cancel := context.WithTimeout(ctx, w.opts.RefreshInterval)
	defer cancel()

	heartbeatErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(w.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(streamCtx, w.opts.PingTimeout)
				err := conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					heartbeatErr <- err
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(streamCtx)
		if err != nil {
			select {
			case hbErr := <-heartbeatErr:
				return fmt.Errorf("heartbeat: %w", hbErr)
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
				return errRefresh
			}
			return err
		}
		var msg notification
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method != "proposalNotification" || strings.TrimSpace(msg.Params.Vault) == "" {
			continue
		}
		if onEvent != nil {
			onEvent(ProposalEvent{
				Vault:  strings.TrimSpace(msg.Params.Vault),
				Index:  msg.Params.Index,
				Status: NormalizeStatus(msg.Params.Status),
			})
		}
	}
}
