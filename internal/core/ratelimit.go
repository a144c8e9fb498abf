package core

import (
	"sort"
	"strings"
	"time"
)

// Tier is a subscription level that selects a row of the limit table.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes a tier name; unknown values resolve to TierFree.
func ParseTier(value string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// Quota denial reasons.
const (
	ReasonRateLimitExceeded   = "rate_limit_exceeded"
	ReasonBlocked             = "blocked"
	ReasonMaxModelsPerRequest = "max_models_per_request"
	ReasonUnknownOperation    = "unknown_operation"
)

// QuotaDecision is the answer of either limiter for one check.
type QuotaDecision struct {
	Allowed      bool      `json:"allowed"`
	CurrentUsage int       `json:"current_usage"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetTime    time.Time `json:"-"`
	Reason       string    `json:"reason,omitempty"`
	Operation    string    `json:"operation,omitempty"`
}

// ResetUnix returns ResetTime as unix seconds, or 0 when unset.
func (d QuotaDecision) ResetUnix() int64 {
	if d.ResetTime.IsZero() {
		return 0
	}
	return d.ResetTime.Unix()
}

// RetryAfter returns how long a caller should wait before retrying.
func (d QuotaDecision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetTime.IsZero() {
		return 0
	}
	wait := d.ResetTime.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}

// CounterRecord is one tiered-limiter bucket for (subject, operation, window).
type CounterRecord struct {
	Key         string
	Subject     string
	Operation   string
	WindowStart time.Time
	WindowEnd   time.Time
	Count       int
	UpdatedAt   time.Time
}

// CounterMutator receives the current record (nil when absent) and returns the
// record to persist, or nil to leave storage untouched.
type CounterMutator func(current *CounterRecord) (*CounterRecord, error)

// FingerprintMutator is the fingerprint-record counterpart of CounterMutator.
type FingerprintMutator func(current *FingerprintRecord) (*FingerprintRecord, error)

// FingerprintRecord is the persisted attempt history for one fingerprint key.
type FingerprintRecord struct {
	Key          string      `json:"key"`
	Attempts     []time.Time `json:"attempts"`
	BlockedUntil *time.Time  `json:"blocked_until,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// AttemptsSince counts attempts at or after cutoff.
func (r *FingerprintRecord) AttemptsSince(cutoff time.Time) int {
	if r == nil {
		return 0
	}
	count := 0
	for _, ts := range r.Attempts {
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count
}

// OldestSince returns the earliest attempt at or after cutoff.
func (r *FingerprintRecord) OldestSince(cutoff time.Time) (time.Time, bool) {
	var oldest time.Time
	found := false
	if r == nil {
		return oldest, false
	}
	for _, ts := range r.Attempts {
		if ts.Before(cutoff) {
			continue
		}
		if !found || ts.Before(oldest) {
			oldest = ts
			found = true
		}
	}
	return oldest, found
}

// IsBlocked reports whether the record is blocked at now.
func (r *FingerprintRecord) IsBlocked(now time.Time) bool {
	return r != nil && r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// Attempt-list bounds applied when a fingerprint record is written.
const (
	MaxStoredAttempts = 100
	RetainedAttempts  = 50
)

// Compact trims the attempt list to the most recent RetainedAttempts entries
// once it grows past MaxStoredAttempts.
func (r *FingerprintRecord) Compact() {
	if r == nil || len(r.Attempts) <= MaxStoredAttempts {
		return
	}
	sort.Slice(r.Attempts, func(i, j int) bool { return r.Attempts[i].Before(r.Attempts[j]) })
	trimmed := make([]time.Time, RetainedAttempts)
	copy(trimmed, r.Attempts[len(r.Attempts)-RetainedAttempts:])
	r.Attempts = trimmed
}
