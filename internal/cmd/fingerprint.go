package cmd

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/core/engine"
	"github.com/chorusrelay/chorus/internal/output"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Inspect and manage pre-authentication fingerprint records",
}

var fingerprintListBlocked bool

var fingerprintListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored fingerprint records",
	RunE: func(cmd *cobra.Command, args []string) error {
		files, _, err := openFingerprints(cmd.Context())
		if err != nil {
			return err
		}

		records, err := files.ListFingerprints(cmd.Context())
		if err != nil {
			return err
		}

		now := time.Now()
		if fingerprintListBlocked {
			filtered := records[:0]
			for _, record := range records {
				if record.BlockedUntil != nil && record.BlockedUntil.After(now) {
					filtered = append(filtered, record)
				}
			}
			records = filtered
		}
		return renderView(cmd, "fingerprint.list", output.Fingerprints(records, now))
	},
}

var (
	fingerprintResetKey     string
	fingerprintResetAll     bool
	fingerprintResetExpired bool
	fingerprintResetYes     bool
	fingerprintResetDryRun  bool
)

var fingerprintResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete fingerprint records (unblocks clients)",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.TrimSpace(fingerprintResetKey)
		if key == "" && !fingerprintResetAll && !fingerprintResetExpired {
			return errors.New("must specify --key, --all, or --expired")
		}
		if fingerprintResetAll && !fingerprintResetYes && !fingerprintResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		files, cfg, err := openFingerprints(cmd.Context())
		if err != nil {
			return err
		}

		format, sink, err := openCommandSink(cmd, "fingerprint.reset")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if fingerprintResetExpired && key == "" && !fingerprintResetAll {
			retention := cfg.Fingerprint.Retention
			if retention <= 0 {
				retention = 24 * time.Hour
			}
			cutoff := time.Now().Add(-retention)
			if fingerprintResetDryRun {
				records, err := files.ListFingerprints(cmd.Context())
				if err != nil {
					return err
				}
				return writeResetResult(format, sink.writer, "fingerprint record", countStale(records, cutoff), 0, true)
			}
			removed, err := files.SweepFingerprints(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			return writeResetResult(format, sink.writer, "fingerprint record", int(removed), removed, false)
		}

		records, err := files.ListFingerprints(cmd.Context())
		if err != nil {
			return err
		}
		var keys []string
		for _, record := range records {
			if fingerprintResetAll || strings.HasPrefix(record.Key, key) {
				keys = append(keys, record.Key)
			}
		}

		if fingerprintResetDryRun {
			return writeResetResult(format, sink.writer, "fingerprint record", len(keys), 0, true)
		}

		var deleted int64
		for _, k := range keys {
			if err := files.DeleteFingerprint(cmd.Context(), k); err != nil {
				return err
			}
			deleted++
		}
		return writeResetResult(format, sink.writer, "fingerprint record", len(keys), deleted, false)
	},
}

var (
	fingerprintCheckIP       string
	fingerprintCheckUA       string
	fingerprintCheckLanguage string
	fingerprintCheckPath     string
)

var fingerprintCheckCmd = &cobra.Command{
	Use:     "check",
	Short:   "Evaluate the fingerprint gate for a client without recording an attempt",
	Example: `  chorus fingerprint check --ip 203.0.113.7 --user-agent "curl/8.0" --path /v1/auth/login`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(fingerprintCheckIP) == "" {
			return errors.New("--ip is required")
		}

		files, cfg, err := openFingerprints(cmd.Context())
		if err != nil {
			return err
		}
		limiter := newFingerprintLimiter(cfg.Fingerprint, files, nil)
		limiter.SweepProbability = 0

		fingerprint := engine.Fingerprint(fingerprintCheckIP, fingerprintCheckUA, fingerprintCheckLanguage)
		action := engine.ActionForPath(fingerprintCheckPath)
		decision := limiter.CheckEarly(cmd.Context(), fingerprint, action)

		return renderView(cmd, "fingerprint.check", output.Decisions(fingerprint, core.Tier(action), []core.QuotaDecision{decision}))
	},
}

func countStale(records []core.FingerprintRecord, cutoff time.Time) int {
	stale := 0
	for _, record := range records {
		if record.BlockedUntil != nil && record.BlockedUntil.After(cutoff) {
			continue
		}
		recent := false
		for _, at := range record.Attempts {
			if at.After(cutoff) {
				recent = true
				break
			}
		}
		if !recent {
			stale++
		}
	}
	return stale
}

func init() {
	fingerprintListCmd.Flags().BoolVar(&fingerprintListBlocked, "blocked", false, "Only list currently blocked records")
	addOutputFlags(fingerprintListCmd)

	fingerprintResetCmd.Flags().StringVar(&fingerprintResetKey, "key", "", "Reset records whose key starts with this value")
	fingerprintResetCmd.Flags().BoolVar(&fingerprintResetAll, "all", false, "Reset all records")
	fingerprintResetCmd.Flags().BoolVar(&fingerprintResetExpired, "expired", false, "Remove records older than fingerprint.retention")
	fingerprintResetCmd.Flags().BoolVar(&fingerprintResetYes, "yes", false, "Confirm destructive reset")
	fingerprintResetCmd.Flags().BoolVar(&fingerprintResetDryRun, "dry-run", false, "Show what would be deleted")
	addOutputFlags(fingerprintResetCmd)

	fingerprintCheckCmd.Flags().StringVar(&fingerprintCheckIP, "ip", "", "Client IP address (required)")
	fingerprintCheckCmd.Flags().StringVar(&fingerprintCheckUA, "user-agent", "", "Client User-Agent header")
	fingerprintCheckCmd.Flags().StringVar(&fingerprintCheckLanguage, "accept-language", "", "Client Accept-Language header")
	fingerprintCheckCmd.Flags().StringVar(&fingerprintCheckPath, "path", "/v1/chat/completions", "Request path used to pick the action")
	addOutputFlags(fingerprintCheckCmd)

	fingerprintCmd.AddCommand(fingerprintListCmd, fingerprintResetCmd, fingerprintCheckCmd)
	rootCmd.AddCommand(fingerprintCmd)
}
