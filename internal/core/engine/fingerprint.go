package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/metrics"
)

// Fingerprint actions.
const (
	ActionGlobal = "global"
	ActionSignup = "signup"
	ActionLogin  = "login"
)

const (
	defaultFingerprintRetention = 24 * time.Hour
	fingerprintLimiterName      = "fingerprint"
)

// ActionPolicy allows MaxAttempts inside Window; reaching it blocks the key
// for BlockDuration when that is positive.
type ActionPolicy struct {
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
}

// DefaultActionPolicies apply when no policies are configured.
var DefaultActionPolicies = map[string]ActionPolicy{
	ActionGlobal: {MaxAttempts: 100, Window: time.Minute, BlockDuration: 5 * time.Minute},
	ActionLogin:  {MaxAttempts: 10, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute},
	ActionSignup: {MaxAttempts: 5, Window: time.Hour, BlockDuration: time.Hour},
}

// FingerprintStore persists attempt histories. ReadFingerprint must not
// block on a writer; UpdateFingerprint runs fn under the record's exclusive
// lock.
type FingerprintStore interface {
	ReadFingerprint(ctx context.Context, key string) (*core.FingerprintRecord, error)
	UpdateFingerprint(ctx context.Context, key string, fn core.FingerprintMutator) error
}

// FingerprintSweeper is implemented by stores that can drop stale records.
type FingerprintSweeper interface {
	SweepFingerprints(ctx context.Context, cutoff time.Time) (int64, error)
}

// FingerprintLimiter throttles clients before authentication, keyed by a
// hash of their network attributes. Storage failures fail open.
type FingerprintLimiter struct {
	Store            FingerprintStore
	Policies         map[string]ActionPolicy
	SweepProbability float64
	Retention        time.Duration
	Clock            func() time.Time
	Rand             func() float64
	Logger           *logging.Logger
}

// Fingerprint hashes the client's address, user agent and accept-language.
func Fingerprint(ip, userAgent, acceptLanguage string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(ip) + "|" + strings.TrimSpace(userAgent) + "|" + strings.TrimSpace(acceptLanguage)))
	return hex.EncodeToString(sum[:])
}

// ActionForPath maps a request path to its fingerprint action.
func ActionForPath(path string) string {
	for _, segment := range strings.Split(strings.ToLower(path), "/") {
		switch segment {
		case "signup", "register":
			return ActionSignup
		case "login", "signin", "token":
			return ActionLogin
		}
	}
	return ActionGlobal
}

// FingerprintKey is the storage key of one (fingerprint, action) record.
func FingerprintKey(fingerprint, action string) string {
	return fingerprint + "-" + action
}

// CheckEarly evaluates the global policy and, for non-global actions, the
// action policy. Any denial wins; otherwise the lower remaining count is
// reported. It never writes.
func (f *FingerprintLimiter) CheckEarly(ctx context.Context, fingerprint, action string) core.QuotaDecision {
	action = normalizeAction(action)
	now := f.now()

	var decisions []core.QuotaDecision
	for _, name := range f.actionsFor(action) {
		policy, ok := f.policy(name)
		if !ok {
			continue
		}
		decisions = append(decisions, f.evaluate(ctx, fingerprint, name, policy, now))
	}
	if len(decisions) == 0 {
		return core.QuotaDecision{Allowed: true, Operation: action}
	}

	decision := MostRestrictive(decisions...)
	metrics.RecordQuotaDecision(fingerprintLimiterName, decision.Operation, decision.Allowed, decision.Reason)
	return decision
}

// RecordAttempt appends now to the global and action records and blocks
// any record whose in-window attempts reached its policy maximum.
func (f *FingerprintLimiter) RecordAttempt(ctx context.Context, fingerprint, action string) error {
	if f == nil || f.Store == nil {
		return nil
	}
	action = normalizeAction(action)
	now := f.now()

	var errs []error
	for _, name := range f.actionsFor(action) {
		policy, ok := f.policy(name)
		if !ok {
			continue
		}
		err := f.Store.UpdateFingerprint(ctx, FingerprintKey(fingerprint, name), func(current *core.FingerprintRecord) (*core.FingerprintRecord, error) {
			next := &core.FingerprintRecord{}
			if current != nil {
				*next = *current
			}
			next.Attempts = append(next.Attempts, now)
			next.UpdatedAt = now

			if policy.BlockDuration > 0 && next.AttemptsSince(now.Add(-policy.Window)) >= policy.MaxAttempts {
				until := now.Add(policy.BlockDuration)
				if next.BlockedUntil == nil || until.After(*next.BlockedUntil) {
					next.BlockedUntil = &until
				}
			}
			return next, nil
		})
		if err != nil {
			metrics.RecordQuotaStoreError(fingerprintLimiterName, "update")
			errs = append(errs, err)
		}
	}

	f.maybeSweep(ctx)
	return errors.Join(errs...)
}

func (f *FingerprintLimiter) evaluate(ctx context.Context, fingerprint, action string, policy ActionPolicy, now time.Time) core.QuotaDecision {
	var record *core.FingerprintRecord
	if f != nil && f.Store != nil {
		var err error
		record, err = f.Store.ReadFingerprint(ctx, FingerprintKey(fingerprint, action))
		if err != nil {
			metrics.RecordQuotaStoreError(fingerprintLimiterName, "read")
			if f.Logger != nil {
				f.Logger.Debug("Fingerprint read failed, allowing request",
					zap.String("action", action),
					zap.Error(err),
				)
			}
			record = nil
		}
	}

	// A blocked key is denied without scanning its attempts.
	if record.IsBlocked(now) {
		return core.QuotaDecision{
			Allowed:      false,
			CurrentUsage: policy.MaxAttempts,
			Limit:        policy.MaxAttempts,
			Remaining:    0,
			ResetTime:    *record.BlockedUntil,
			Reason:       core.ReasonBlocked,
			Operation:    action,
		}
	}

	cutoff := now.Add(-policy.Window)
	count := record.AttemptsSince(cutoff)

	reset := now.Add(policy.Window)
	if oldest, ok := record.OldestSince(cutoff); ok {
		reset = oldest.Add(policy.Window)
	}

	decision := core.QuotaDecision{
		Allowed:      count < policy.MaxAttempts,
		CurrentUsage: count,
		Limit:        policy.MaxAttempts,
		Remaining:    max(policy.MaxAttempts-count, 0),
		ResetTime:    reset,
		Operation:    action,
	}
	if !decision.Allowed {
		decision.Reason = core.ReasonRateLimitExceeded
	}
	return decision
}

func (f *FingerprintLimiter) actionsFor(action string) []string {
	if action == ActionGlobal {
		return []string{ActionGlobal}
	}
	return []string{ActionGlobal, action}
}

func (f *FingerprintLimiter) policy(action string) (ActionPolicy, bool) {
	policies := DefaultActionPolicies
	if f != nil && f.Policies != nil {
		policies = f.Policies
	}
	policy, ok := policies[action]
	if !ok || policy.MaxAttempts <= 0 || policy.Window <= 0 {
		return ActionPolicy{}, false
	}
	return policy, true
}

func (f *FingerprintLimiter) maybeSweep(ctx context.Context) {
	if f == nil || f.SweepProbability <= 0 {
		return
	}
	sweeper, ok := f.Store.(FingerprintSweeper)
	if !ok {
		return
	}
	roll := rand.Float64
	if f.Rand != nil {
		roll = f.Rand
	}
	if roll() >= f.SweepProbability {
		return
	}

	retention := f.Retention
	if retention <= 0 {
		retention = defaultFingerprintRetention
	}
	removed, err := sweeper.SweepFingerprints(ctx, f.now().Add(-retention))
	if f.Logger == nil {
		return
	}
	if err != nil {
		f.Logger.Warn("Fingerprint sweep failed", zap.Error(err))
		return
	}
	f.Logger.Debug("Swept stale fingerprint records", zap.Int64("removed", removed))
}

func (f *FingerprintLimiter) now() time.Time {
	if f != nil && f.Clock != nil {
		return f.Clock().UTC()
	}
	return time.Now().UTC()
}

func normalizeAction(action string) string {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return ActionGlobal
	}
	return action
}
