package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chorusrelay/chorus/internal/catalog"
	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/core/engine"
	"github.com/chorusrelay/chorus/internal/model"
	"github.com/chorusrelay/chorus/internal/observability"
	"github.com/chorusrelay/chorus/internal/output"
)

var (
	askModels         []string
	askStrategy       string
	askSystem         string
	askTimeout        time.Duration
	askMaxConcurrency int
	askTemperature    float64
	askMaxTokens      int
	askQuiet          bool
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send one prompt to several models and print the merged answer",
	Long: `Send one prompt to the configured models, aggregate the answers with
the chosen strategy and print the result followed by a per-model summary.

Quota and fingerprint limits are not applied; they guard the HTTP relay.`,
	Example: `  chorus ask "Name three prime numbers" --models gpt-4o,grok-2
  chorus ask "Summarize RFC 9110" --strategy prioritize_fastest --output-format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.TrimSpace(strings.Join(args, " "))
		if prompt == "" {
			return errors.New("prompt is empty")
		}

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		models, err := catalog.New(cfg.Models)
		if err != nil {
			return err
		}
		provider, err := newProvider(cfg.MultiModel, models, catalog.NewRegistry(&http.Client{}), observability.CLILogger)
		if err != nil {
			return err
		}

		messages := make([]model.Message, 0, 2)
		if system := strings.TrimSpace(askSystem); system != "" {
			messages = append(messages, model.Message{Role: "system", Content: system})
		}
		messages = append(messages, model.Message{Role: "user", Content: prompt})

		opts := engine.ChatOptions{
			Models:         askModels,
			Strategy:       core.Strategy(strings.TrimSpace(askStrategy)),
			Timeout:        askTimeout,
			MaxConcurrency: askMaxConcurrency,
		}
		if cmd.Flags().Changed("temperature") {
			opts.Temperature = &askTemperature
		}
		if cmd.Flags().Changed("max-tokens") {
			opts.MaxTokens = &askMaxTokens
		}
		if len(opts.Models) == 0 {
			opts.Models = models.Names()
		}

		resp, err := provider.ChatCompletions(cmd.Context(), messages, opts)
		if err != nil {
			return err
		}

		format, sink, err := openCommandSink(cmd, "ask")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		switch format {
		case output.FormatJSON, output.FormatYAML:
			return output.Render(sink.writer, format, output.Chat(resp))
		}

		if _, err := fmt.Fprintln(sink.writer, resp.Content()); err != nil {
			return err
		}
		if askQuiet {
			return nil
		}
		if _, err := fmt.Fprintln(sink.writer); err != nil {
			return err
		}
		return output.Render(sink.writer, format, output.Chat(resp))
	},
}

func init() {
	askCmd.Flags().StringSliceVarP(&askModels, "models", "m", nil, "Models to query (default: every enabled model)")
	askCmd.Flags().StringVarP(&askStrategy, "strategy", "s", "", "combine_all|prioritize_fastest|prioritize_best (default from multi_model.default_strategy)")
	askCmd.Flags().StringVar(&askSystem, "system", "", "Optional system message")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 0, "Per-model timeout (default from multi_model.timeout)")
	askCmd.Flags().IntVar(&askMaxConcurrency, "max-concurrency", 0, "Maximum in-flight model calls (default from multi_model.max_concurrency)")
	askCmd.Flags().Float64Var(&askTemperature, "temperature", 0, "Sampling temperature")
	askCmd.Flags().IntVar(&askMaxTokens, "max-tokens", 0, "Maximum completion tokens")
	askCmd.Flags().BoolVarP(&askQuiet, "quiet", "q", false, "Print only the merged answer")
	addOutputFlags(askCmd)
	rootCmd.AddCommand(askCmd)
}
