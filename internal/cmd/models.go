package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chorusrelay/chorus/internal/catalog"
	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/output"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect configured models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled models from the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		models, err := catalog.New(cfg.Models)
		if err != nil {
			return err
		}
		return renderView(cmd, "models.list", output.Models(models.Descriptors()))
	},
}

func init() {
	addOutputFlags(modelsListCmd)
	modelsCmd.AddCommand(modelsListCmd)
	rootCmd.AddCommand(modelsCmd)
}
