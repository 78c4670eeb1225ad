package commands

import (
	"github.com/spf13/cobra"

	"github.com/alfalak/ledger/internal/buildinfo"
)

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:     "ledger",
		Short:   "Sovereign capital ledger: deposits, sector allocation and live valuation",
		Version: buildinfo.String(),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.dataDir, "dir", ".", "data directory")
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <dir>/ledger.yaml)")

	rootCmd.AddCommand(
		newInitCommand(),
		newAccountCommand(&g),
		newDepositCommand(&g),
		newAllocateCommand(&g),
		newDistributeCommand(&g),
		newValueCommand(&g),
		newVerifyCommand(&g),
		newReconcileCommand(&g),
		newAuditCommand(&g),
		newServeCommand(&g),
	)

	return rootCmd
}
