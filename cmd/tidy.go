/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the database",
		Description: `Tidy up the database by removing data nobody can read anymore.

		Removes histories of subscribers that no longer exist, and watermarks of
		series nobody follows that have not seen a new episode for a while.`,
		Flags: append(databaseFlags(),
			&cli.DurationFlag{
				Name:    "stale-after",
				Usage:   "Age after which unfollowed series watermarks are removed, 0 keeps them",
				EnvVars: []string{"TVFEED_STALE_AFTER"},
			},
		),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			staleAfter := cfg.Database.StaleSeriesAfter.Duration
			if ctx.IsSet("stale-after") {
				staleAfter = ctx.Duration("stale-after")
			}

			store, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := store.Tidy(ctx.Context, staleAfter)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d histories and %d series watermarks\n", result.Histories, result.SeriesStates)
			return nil
		},
	}
}
