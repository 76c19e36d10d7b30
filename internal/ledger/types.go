// Package ledger is the read/write boundary to the vault gateway: proposal
// snapshots, vault thresholds and the single mutating execute call.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ProposalStatus is the normalized on-chain proposal state. All engine logic
// works on this enum only; raw representations are converted in NormalizeStatus.
type ProposalStatus int

const (
	StatusUnknown ProposalStatus = iota
	StatusActive
	StatusApproved
	StatusExecuteReady
	StatusExecuted
	StatusCancelled
	StatusRejected
)

func (s ProposalStatus) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusApproved:
		return "Approved"
	case StatusExecuteReady:
		return "ExecuteReady"
	case StatusExecuted:
		return "Executed"
	case StatusCancelled:
		return "Cancelled"
	case StatusRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transition can happen on-chain.
func (s ProposalStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusCancelled || s == StatusRejected
}

// MarshalText keeps JSON renderings (admin API, events) readable.
func (s ProposalStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is one observation of a proposal. Threshold is filled from the
// per-cycle vault cache by the scanner, not by the gateway.
type Snapshot struct {
	Vault     string         `json:"vault"`
	Index     uint64         `json:"index"`
	Status    ProposalStatus `json:"status"`
	Approvers []string       `json:"approvers"`
	Threshold int            `json:"threshold"`
}

// ThresholdMet reports whether the distinct approvals reach the threshold.
// A non-positive threshold is never considered met.
func (s Snapshot) ThresholdMet() bool {
	if s.Threshold <= 0 {
		return false
	}
	return s.ApprovalCount() >= s.Threshold
}

// ApprovalCount counts distinct approving parties.
func (s Snapshot) ApprovalCount() int {
	seen := make(map[string]struct{}, len(s.Approvers))
	for _, a := range s.Approvers {
		if a == "" {
			continue
		}
		seen[a] = struct{}{}
	}
	return len(seen)
}

// Executable is the permissive execution rule: ExecuteReady, or Approved with
// the threshold met.
func (s Snapshot) Executable() bool {
	switch s.Status {
	case StatusExecuteReady:
		return true
	case StatusApproved:
		return s.ThresholdMet()
	default:
		return false
	}
}

type ExecutionResult struct {
	TxID            string
	AlreadyExecuted bool
}

// Oracle is what the settlement engine needs from the ledger. Reads are
// idempotent; SubmitExecution must treat an already executed proposal as success.
type Oracle interface {
	GetProposalSnapshot(ctx context.Context, vault string, index uint64) (Snapshot, error)
	GetVaultThreshold(ctx context.Context, vault string) (int, error)
	LatestTransactionIndex(ctx context.Context, vault string) (uint64, error)
	SubmitExecution(ctx context.Context, vault string, index uint64, authority string) (ExecutionResult, error)
}

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrVaultNotFound    = errors.New("vault not found")
	ErrRateLimited      = errors.New("ledger rate limited")
	ErrTimeout          = errors.New("ledger timeout")
	ErrUnavailable      = errors.New("ledger unavailable")
	ErrAlreadyExecuted  = errors.New("proposal already executed")
	ErrRejectedByLedger = errors.New("execution rejected by ledger")
)

const (
	rpcCodeInternal        = -32603
	rpcCodeNotFound        = -32004
	rpcCodeNodeBehind      = -32005
	rpcCodeAlreadyExecuted = -32010
	rpcCodeNotExecutable   = -32011
)

// RPCError is a JSON-RPC error object returned by the gateway.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	switch e.Code {
	case rpcCodeNotFound:
		return ErrProposalNotFound
	case rpcCodeNodeBehind:
		return ErrRateLimited
	case rpcCodeInternal:
		return ErrUnavailable
	case rpcCodeAlreadyExecuted:
		return ErrAlreadyExecuted
	case rpcCodeNotExecutable:
		return ErrRejectedByLedger
	}
	return nil
}

// IsTransient reports whether err is worth retrying at the I/O layer.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
