package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/core/engine"
	"github.com/chorusrelay/chorus/internal/core/store"
	"github.com/chorusrelay/chorus/internal/output"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and manage tiered quota counters",
}

var (
	quotaListAll       bool
	quotaListSubject   string
	quotaListOperation string
)

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored quota counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		counters, closeFn, _, err := openCounters(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn() // nolint:errcheck // best-effort cleanup

		query := store.CounterQuery{
			All:       quotaListAll,
			Subject:   strings.TrimSpace(quotaListSubject),
			Operation: strings.TrimSpace(quotaListOperation),
		}
		if query.Subject == "" && query.Operation == "" {
			query.All = true
		}

		records, err := counters.ListCounters(cmd.Context(), query)
		if err != nil {
			return err
		}
		return renderView(cmd, "quota.list", output.Counters(records))
	},
}

var (
	quotaResetAll       bool
	quotaResetSubject   string
	quotaResetOperation string
	quotaResetYes       bool
	quotaResetDryRun    bool
)

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored quota counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.CounterQuery{
			All:       quotaResetAll,
			Subject:   strings.TrimSpace(quotaResetSubject),
			Operation: strings.TrimSpace(quotaResetOperation),
		}
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !quotaResetYes && !quotaResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		counters, closeFn, _, err := openCounters(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn() // nolint:errcheck // best-effort cleanup

		matched, err := counters.ListCounters(cmd.Context(), query)
		if err != nil {
			return err
		}

		format, sink, err := openCommandSink(cmd, "quota.reset")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if quotaResetDryRun {
			return writeResetResult(format, sink.writer, "quota counter", len(matched), 0, true)
		}

		deleted, err := counters.ResetCounters(cmd.Context(), query)
		if err != nil {
			return err
		}
		return writeResetResult(format, sink.writer, "quota counter", len(matched), deleted, false)
	},
}

var (
	quotaCheckSubject    string
	quotaCheckTier       string
	quotaCheckOperations []string
	quotaCheckModels     int
)

var quotaCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Show quota decisions for a subject without recording usage",
	Example: `  chorus quota check --subject user-42 --tier pro
  chorus quota check --subject user-42 --models 3 --output-format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject := strings.TrimSpace(quotaCheckSubject)
		if subject == "" {
			return errors.New("--subject is required")
		}
		tier := core.ParseTier(quotaCheckTier)

		counters, closeFn, cfg, err := openCounters(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn() // nolint:errcheck // best-effort cleanup

		limiter := newTieredLimiter(cfg.Quota, counters, nil)
		limiter.SweepProbability = 0

		decisions := make([]core.QuotaDecision, 0, len(quotaCheckOperations)+1)
		for _, op := range quotaCheckOperations {
			op = strings.TrimSpace(op)
			if op == "" {
				continue
			}
			decision, err := limiter.CheckLimit(cmd.Context(), subject, op, tier)
			if err != nil {
				return err
			}
			decisions = append(decisions, decision)
		}
		if quotaCheckModels > 0 {
			decision, err := limiter.CheckMultiModelLimits(cmd.Context(), subject, quotaCheckModels, tier)
			if err != nil {
				return err
			}
			decisions = append(decisions, decision)
		}

		return renderView(cmd, "quota.check."+subject, output.Decisions(subject, tier, decisions))
	},
}

var quotaLimitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Print the effective tier x operation limit table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		limiter := newTieredLimiter(cfg.Quota, nil, nil)
		return renderView(cmd, "quota.limits", output.Limits(limiter.Table()))
	},
}

// writeResetResult reports a reset. Structured formats get a small object,
// table output a boxed summary line.
func writeResetResult(format output.Format, w io.Writer, noun string, matched int, deleted int64, dryRun bool) error {
	switch format {
	case output.FormatJSON, output.FormatYAML:
		return output.Render(w, format, resetView{Matched: matched, Deleted: deleted, DryRun: dryRun})
	}

	var line string
	if dryRun {
		line = fmt.Sprintf("Would delete %d %s(s)", matched, noun)
	} else {
		line = fmt.Sprintf("Deleted %d/%d %s(s)", deleted, matched, noun)
	}
	_, err := fmt.Fprint(w, ascii.DrawBox(line, 0))
	return err
}

type resetView struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

func (v resetView) Data() any { return v }

func (v resetView) Table() *output.Table {
	return &output.Table{
		Header: []any{"Matched", "Deleted", "Dry Run"},
		Rows:   [][]any{{v.Matched, v.Deleted, v.DryRun}},
	}
}

func init() {
	quotaListCmd.Flags().BoolVar(&quotaListAll, "all", false, "List all counters")
	quotaListCmd.Flags().StringVar(&quotaListSubject, "subject", "", "List counters for one subject")
	quotaListCmd.Flags().StringVar(&quotaListOperation, "operation", "", "List counters for one operation")
	addOutputFlags(quotaListCmd)

	quotaResetCmd.Flags().BoolVar(&quotaResetAll, "all", false, "Reset all counters")
	quotaResetCmd.Flags().StringVar(&quotaResetSubject, "subject", "", "Reset counters for one subject")
	quotaResetCmd.Flags().StringVar(&quotaResetOperation, "operation", "", "Reset counters for one operation")
	quotaResetCmd.Flags().BoolVar(&quotaResetYes, "yes", false, "Confirm destructive reset")
	quotaResetCmd.Flags().BoolVar(&quotaResetDryRun, "dry-run", false, "Show what would be deleted")
	addOutputFlags(quotaResetCmd)

	quotaCheckCmd.Flags().StringVar(&quotaCheckSubject, "subject", "", "Subject to check (required)")
	quotaCheckCmd.Flags().StringVar(&quotaCheckTier, "tier", string(core.TierFree), "Tier: free|pro|enterprise")
	quotaCheckCmd.Flags().StringSliceVar(&quotaCheckOperations, "operation",
		[]string{engine.OpCompletionsPerMinute, engine.OpCompletionsPerHour}, "Operations to check (repeatable)")
	quotaCheckCmd.Flags().IntVar(&quotaCheckModels, "models", 0, "Also check multi-model limits for this many models")
	addOutputFlags(quotaCheckCmd)

	addOutputFlags(quotaLimitsCmd)

	quotaCmd.AddCommand(quotaListCmd, quotaResetCmd, quotaCheckCmd, quotaLimitsCmd)
	rootCmd.AddCommand(quotaCmd)
}
