package commands

import (
	"github.com/spf13/cobra"

	"board-sync/storage"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the storage tables and the activity queue",
	Long: `Create the Azure tables (BOARDS_TABLE, LISTS_TABLE, CARDS_TABLE) and the
activity queue (ACTIVITY_QUEUE) in the account named by
STORAGE_CONNECTION_STRING. Existing resources are left untouched, so the
command is safe to run on every deploy.`,
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("storage provisioning starting")
	if err := storage.Provision(cmd.Context(), cfg.Store.ConnectionString,
		[]string{cfg.Store.BoardsTable, cfg.Store.ListsTable, cfg.Store.CardsTable},
		[]string{cfg.Store.ActivityQueue},
	); err != nil {
		return err
	}
	logger.Info("storage provisioning complete")
	return nil
}
