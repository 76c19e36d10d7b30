package settlement

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// AttemptKey identifies one execution target.
type AttemptKey struct {
	MatchID    string `json:"match_id"`
	ProposalID uint64 `json:"proposal_id"`
}

func (k AttemptKey) String() string {
	return fmt.Sprintf("%s#%d", k.MatchID, k.ProposalID)
}

// Attempt is the tracked state of one key.
type Attempt struct {
	Key            AttemptKey `json:"key"`
	Count          int        `json:"count"`
	LastAttemptAt  time.Time  `json:"last_attempt_at"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	InFlight       bool       `json:"in_flight"`
	Exhausted      bool       `json:"exhausted"`
}

type GateDecision int

const (
	GateAllowed GateDecision = iota
	GateBackoff
	GateExhausted
	GateInFlight
	GateClosed
)

func (d GateDecision) String() string {
	switch d {
	case GateAllowed:
		return "allowed"
	case GateBackoff:
		return "backoff"
	case GateExhausted:
		return "exhausted"
	case GateInFlight:
		return "in_flight"
	case GateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type RetryLedgerOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxAge      time.Duration
}

// RetryLedger tracks execution attempts per key. Backoff is linear:
// next eligible = last failure + Backoff * count. The count never exceeds
// MaxAttempts, and an exhausted key stays closed until Clear or ClearMatch.
type RetryLedger struct {
	mu      sync.Mutex
	opts    RetryLedgerOptions
	entries map[AttemptKey]*Attempt
	closed  bool
}

func NewRetryLedger(opts RetryLedgerOptions) *RetryLedger {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = time.Hour
	}
	return &RetryLedger{opts: opts, entries: map[AttemptKey]*Attempt{}}
}

func (l *RetryLedger) MaxAttempts() int {
	if l == nil {
		return 0
	}
	return l.opts.MaxAttempts
}

func (l *RetryLedger) Gate(key AttemptKey, now time.Time) GateDecision {
	if l == nil {
		return GateClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gateLocked(key, now)
}

func (l *RetryLedger) gateLocked(key AttemptKey, now time.Time) GateDecision {
	if l.closed {
		return GateClosed
	}
	a, ok := l.entries[key]
	if !ok {
		return GateAllowed
	}
	switch {
	case a.InFlight:
		return GateInFlight
	case a.Exhausted || a.Count >= l.opts.MaxAttempts:
		return GateExhausted
	case now.Before(a.NextEligibleAt):
		return GateBackoff
	default:
		return GateAllowed
	}
}

// Begin claims the key for one submission. It returns the gate decision; only
// GateAllowed means the caller now owns the attempt.
func (l *RetryLedger) Begin(key AttemptKey, now time.Time) GateDecision {
	if l == nil {
		return GateClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	decision := l.gateLocked(key, now)
	if decision != GateAllowed {
		return decision
	}
	a, ok := l.entries[key]
	if !ok {
		a = &Attempt{Key: key}
		l.entries[key] = a
	}
	a.InFlight = true
	a.LastAttemptAt = now
	return GateAllowed
}

// Release ends an attempt that neither failed nor succeeded (e.g. the
// pre-submit re-check changed the picture). A fresh entry is dropped.
func (l *RetryLedger) Release(key AttemptKey) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.entries[key]
	if !ok {
		return
	}
	a.InFlight = false
	if a.Count == 0 {
		delete(l.entries, key)
	}
}

// RecordFailure counts a failed attempt and schedules the next one.
func (l *RetryLedger) RecordFailure(key AttemptKey, now time.Time) (int, bool) {
	if l == nil {
		return 0, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.entries[key]
	if !ok {
		a = &Attempt{Key: key}
		l.entries[key] = a
	}
	a.InFlight = false
	a.LastAttemptAt = now
	if a.Count < l.opts.MaxAttempts {
		a.Count++
	}
	if a.Count >= l.opts.MaxAttempts {
		a.Exhausted = true
		a.NextEligibleAt = time.Time{}
		return a.Count, true
	}
	a.NextEligibleAt = now.Add(l.opts.Backoff * time.Duration(a.Count))
	return a.Count, false
}

func (l *RetryLedger) Clear(key AttemptKey) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// ClearMatch drops every key of a match and returns how many were removed.
func (l *RetryLedger) ClearMatch(matchID string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, a := range l.entries {
		if key.MatchID != matchID || a.InFlight {
			continue
		}
		delete(l.entries, key)
		removed++
	}
	return removed
}

// Purge drops entries whose last attempt is older than MaxAge. In-flight
// entries are kept.
func (l *RetryLedger) Purge(now time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.opts.MaxAge)
	removed := 0
	for key, a := range l.entries {
		if a.InFlight || !a.LastAttemptAt.Before(cutoff) {
			continue
		}
		delete(l.entries, key)
		removed++
	}
	return removed
}

func (l *RetryLedger) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *RetryLedger) Get(key AttemptKey) (Attempt, bool) {
	if l == nil {
		return Attempt{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.entries[key]
	if !ok {
		return Attempt{}, false
	}
	return *a, true
}

func (l *RetryLedger) Snapshot() []Attempt {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	out := make([]Attempt, 0, len(l.entries))
	for _, a := range l.entries {
		out = append(out, *a)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.MatchID != out[j].Key.MatchID {
			return out[i].Key.MatchID < out[j].Key.MatchID
		}
		return out[i].Key.ProposalID < out[j].Key.ProposalID
	})
	return out
}

// Close drops all state; every later Gate reports closed.
func (l *RetryLedger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.entries = map[AttemptKey]*Attempt{}
}
