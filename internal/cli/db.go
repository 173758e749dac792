package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Workspace database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply workspace schema migrations",
	Long: `Open the configured workspace backend, applying its schema. Opening a
workspace always migrates it; this command does only that and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigOrDefaults()
		if err != nil {
			return err
		}
		_, cleanup, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		cleanup()

		driver := cfg.Workspace.Driver
		if driverFlag != "" {
			driver = driverFlag
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s workspace is up to date\n", driver)
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
}
