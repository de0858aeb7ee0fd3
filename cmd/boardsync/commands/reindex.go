package commands

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var (
	reindexBoard string
	reindexList  string
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Renumber a list's cards (or a board's lists) at even spacing",
	Long: `Renumber a collection so its order keys are evenly spaced again,
preserving the current order. The change is recorded in the board's
activity feed and broadcast to connected observers through Redis.

A list that a running instance has frozen after a failed automatic
reindex is unfrozen by the HTTP reindex endpoint on that instance.

Examples:
  # Renumber the cards of one list
  boardsync reindex --board b1 --list backlog

  # Renumber the lists of a board
  boardsync reindex --board b1`,
	RunE: runReindex,
}

func init() {
	reindexCmd.Flags().StringVar(&reindexBoard, "board", "", "Board id")
	reindexCmd.Flags().StringVar(&reindexList, "list", "", "List id; omit to renumber the board's lists")
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	if reindexBoard == "" {
		return errors.New("--board is required")
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.coord.ReindexList(cmd.Context(), reindexBoard, reindexList, "")
	if err != nil {
		return err
	}
	out, err := sonic.ConfigStd.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
