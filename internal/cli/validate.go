package cli

import (
	"fmt"

	"github.com/harun/lightmux/pkg/chainspec"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and chain specs",
	Long: `Load the configuration, report every problem found in it and check
each chain spec in the chain spec directory against the chain spec schema.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintf(out, "Config: ok (%d sessions, %d schedules)\n", len(cfg.Sessions), len(cfg.Schedules))

	store := chainspec.NewStore(cfg.ChainSpecs.Dir)
	if err := store.Load(); err != nil {
		return fmt.Errorf("invalid chain specs in %s: %w", cfg.ChainSpecs.Dir, err)
	}
	fmt.Fprintf(out, "Chain specs: ok (%d in %s)\n", store.Len(), cfg.ChainSpecs.Dir)

	for _, sc := range cfg.Sessions {
		if sc.Chain == "" {
			continue
		}
		if _, ok := store.Get(sc.Chain); !ok {
			return fmt.Errorf("session %s: unknown chain %s", sc.Name, sc.Chain)
		}
	}

	return nil
}
