package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chorusrelay/chorus/internal/core"
)

// CounterRow is the serialized form of one tiered-limiter bucket.
type CounterRow struct {
	Subject     string    `json:"subject"`
	Operation   string    `json:"operation"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Count       int       `json:"count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type counterView []CounterRow

// Counters renders stored quota counters.
func Counters(records []core.CounterRecord) View {
	rows := make(counterView, 0, len(records))
	for _, r := range records {
		rows = append(rows, CounterRow{
			Subject:     r.Subject,
			Operation:   r.Operation,
			WindowStart: r.WindowStart.UTC(),
			WindowEnd:   r.WindowEnd.UTC(),
			Count:       r.Count,
			UpdatedAt:   r.UpdatedAt.UTC(),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Subject != rows[j].Subject {
			return rows[i].Subject < rows[j].Subject
		}
		if rows[i].Operation != rows[j].Operation {
			return rows[i].Operation < rows[j].Operation
		}
		return rows[i].WindowStart.Before(rows[j].WindowStart)
	})
	return rows
}

func (v counterView) Data() any { return []CounterRow(v) }

func (v counterView) Table() *Table {
	t := &Table{
		Title:  "Quota Counters",
		Header: []any{"Subject", "Operation", "Window", "Count"},
		Empty:  "(no stored quota counters)",
	}
	total := 0
	for _, r := range v {
		t.Rows = append(t.Rows, []any{r.Subject, r.Operation, formatWindow(r.WindowStart, r.WindowEnd), r.Count})
		total += r.Count
	}
	if len(v) > 0 {
		t.Footer = []any{"", fmt.Sprintf("%d bucket(s)", len(v)), "", total}
	}
	return t
}

type limitView map[core.Tier]map[string]int

// Limits renders the effective tier x operation table.
func Limits(limits map[core.Tier]map[string]int) View {
	return limitView(limits)
}

func (v limitView) Data() any {
	out := make(map[string]map[string]int, len(v))
	for tier, ops := range v {
		copied := make(map[string]int, len(ops))
		for op, limit := range ops {
			copied[op] = limit
		}
		out[string(tier)] = copied
	}
	return out
}

func (v limitView) Table() *Table {
	tiers := orderedTiers(v)
	header := []any{"Operation"}
	for _, tier := range tiers {
		header = append(header, string(tier))
	}

	ops := map[string]bool{}
	for _, row := range v {
		for op := range row {
			ops[op] = true
		}
	}
	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	t := &Table{Title: "Tier Limits", Header: header, Empty: "(no limits configured)"}
	for _, op := range names {
		row := []any{op}
		for _, tier := range tiers {
			if limit, ok := v[tier][op]; ok {
				row = append(row, limit)
			} else {
				row = append(row, "-")
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// orderedTiers lists the built-in tiers first, then any others by name.
func orderedTiers(v map[core.Tier]map[string]int) []core.Tier {
	builtin := []core.Tier{core.TierFree, core.TierPro, core.TierEnterprise}
	var tiers []core.Tier
	for _, tier := range builtin {
		if _, ok := v[tier]; ok {
			tiers = append(tiers, tier)
		}
	}
	var extra []string
	for tier := range v {
		if tier != core.TierFree && tier != core.TierPro && tier != core.TierEnterprise {
			extra = append(extra, string(tier))
		}
	}
	sort.Strings(extra)
	for _, tier := range extra {
		tiers = append(tiers, core.Tier(tier))
	}
	return tiers
}

// DecisionRow is the serialized form of one quota decision.
type DecisionRow struct {
	Operation    string    `json:"operation"`
	Allowed      bool      `json:"allowed"`
	CurrentUsage int       `json:"current_usage"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetTime    time.Time `json:"reset_time,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// DecisionReport is the serialized form of a quota check for one subject.
type DecisionReport struct {
	Subject   string        `json:"subject"`
	Tier      string        `json:"tier"`
	Decisions []DecisionRow `json:"decisions"`
}

type decisionView DecisionReport

// Decisions renders the result of checking several operations for a subject.
func Decisions(subject string, tier core.Tier, decisions []core.QuotaDecision) View {
	v := decisionView{Subject: subject, Tier: string(tier), Decisions: []DecisionRow{}}
	for _, d := range decisions {
		row := DecisionRow{
			Operation:    d.Operation,
			Allowed:      d.Allowed,
			CurrentUsage: d.CurrentUsage,
			Limit:        d.Limit,
			Remaining:    d.Remaining,
			Reason:       d.Reason,
		}
		if !d.ResetTime.IsZero() {
			row.ResetTime = d.ResetTime.UTC()
		}
		v.Decisions = append(v.Decisions, row)
	}
	return v
}

func (v decisionView) Data() any { return DecisionReport(v) }

func (v decisionView) Table() *Table {
	t := &Table{
		Title:  fmt.Sprintf("Quota for %s (%s)", v.Subject, v.Tier),
		Header: []any{"Operation", "Status", "Usage", "Remaining", "Resets"},
	}
	for _, d := range v.Decisions {
		status := "allowed"
		if !d.Allowed {
			status = "denied"
			if d.Reason != "" {
				status += " (" + d.Reason + ")"
			}
		}
		t.Rows = append(t.Rows, []any{
			d.Operation,
			status,
			fmt.Sprintf("%d/%d", d.CurrentUsage, d.Limit),
			d.Remaining,
			formatTime(d.ResetTime),
		})
	}
	return t
}

// FingerprintRow is the serialized form of one fingerprint record.
type FingerprintRow struct {
	Key          string     `json:"key"`
	Action       string     `json:"action"`
	Attempts     int        `json:"attempts"`
	LastAttempt  time.Time  `json:"last_attempt,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Blocked      bool       `json:"blocked"`
}

type fingerprintView []FingerprintRow

// Fingerprints renders stored fingerprint records as seen at now.
func Fingerprints(records []core.FingerprintRecord, now time.Time) View {
	rows := make(fingerprintView, 0, len(records))
	for _, r := range records {
		row := FingerprintRow{
			Key:      r.Key,
			Action:   actionOf(r.Key),
			Attempts: len(r.Attempts),
			Blocked:  r.IsBlocked(now),
		}
		for _, ts := range r.Attempts {
			if ts.After(row.LastAttempt) {
				row.LastAttempt = ts.UTC()
			}
		}
		if r.BlockedUntil != nil {
			until := r.BlockedUntil.UTC()
			row.BlockedUntil = &until
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows
}

func (v fingerprintView) Data() any { return []FingerprintRow(v) }

func (v fingerprintView) Table() *Table {
	t := &Table{
		Title:  "Fingerprints",
		Header: []any{"Fingerprint", "Action", "Attempts", "Last Attempt", "Blocked Until"},
		Empty:  "(no stored fingerprints)",
	}
	blocked := 0
	for _, r := range v {
		until := "-"
		if r.BlockedUntil != nil {
			until = formatTime(*r.BlockedUntil)
			if r.Blocked {
				blocked++
			} else {
				until += " (expired)"
			}
		}
		t.Rows = append(t.Rows, []any{shortKey(r.Key), r.Action, r.Attempts, formatTime(r.LastAttempt), until})
	}
	if len(v) > 0 {
		t.Footer = []any{fmt.Sprintf("%d record(s)", len(v)), "", "", "", fmt.Sprintf("%d blocked", blocked)}
	}
	return t
}

// actionOf extracts the action suffix from a "<fingerprint>-<action>" key.
func actionOf(key string) string {
	if idx := strings.LastIndex(key, "-"); idx >= 0 && idx < len(key)-1 {
		return key[idx+1:]
	}
	return ""
}

func shortKey(key string) string {
	fingerprint := strings.TrimSuffix(key, "-"+actionOf(key))
	if len(fingerprint) > 12 {
		return fingerprint[:12] + "…"
	}
	return fingerprint
}

func formatWindow(start, end time.Time) string {
	if start.IsZero() {
		return "-"
	}
	return start.UTC().Format("2006-01-02 15:04") + " → " + end.UTC().Format("15:04")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
