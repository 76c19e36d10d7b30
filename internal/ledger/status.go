package ledger

import (
	"encoding/json"
	"strings"
)

// NormalizeStatus decodes the gateway's proposal status. Depending on the
// gateway version it arrives as a plain string ("approved"), a tagged object
// ({"__kind":"Approved"} or {"kind":"approved"}) or a single-key enum object
// ({"approved":{"timestamp":...}}). Anything unrecognized is StatusUnknown.
func NormalizeStatus(raw json.RawMessage) ProposalStatus {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return StatusUnknown
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return statusFromName(s)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return StatusUnknown
	}
	for _, key := range []string{"__kind", "kind", "status", "type"} {
		v, ok := obj[key]
		if !ok {
			continue
		}
		var name string
		if err := json.Unmarshal(v, &name); err == nil {
			return statusFromName(name)
		}
	}
	if len(obj) == 1 {
		for key := range obj {
			return statusFromName(key)
		}
	}
	return StatusUnknown
}

func statusFromName(name string) ProposalStatus {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("_", "", "-", "", " ", "").Replace(n)
	switch n {
	case "active", "draft", "pending":
		return StatusActive
	case "approved":
		return StatusApproved
	case "executeready", "executing", "ready":
		return StatusExecuteReady
	case "executed":
		return StatusExecuted
	case "cancelled", "canceled":
		return StatusCancelled
	case "rejected":
		return StatusRejected
	default:
		return StatusUnknown
	}
}
