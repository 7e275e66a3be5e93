/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"tvfeed/history"
	"tvfeed/models"
)

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print the feed of a subscriber",
		ArgsUsage: "[owner]",
		Description: `Prints the stored feed of a subscriber, newest first, one JSON object
		per line. Without an owner the global base feed is printed.`,
		Flags: databaseFlags(),
		Action: func(ctx *cli.Context) error {
			owner := ctx.Args().First()
			if owner == "" {
				owner = models.GlobalOwnerID
			}

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			h, err := history.NewStore(store).Load(ctx.Context, owner)
			if err != nil {
				return fmt.Errorf("failed to load history of %s: %w", owner, err)
			}

			enc := json.NewEncoder(os.Stdout)
			for _, item := range h.Items {
				if err := enc.Encode(item); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
