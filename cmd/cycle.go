/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"tvfeed/config"
	"tvfeed/db"
	"tvfeed/engine"
	"tvfeed/history"
	"tvfeed/series"
	"tvfeed/source"
	"tvfeed/tracker"
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "source-uri",
			Usage:   "Announcement feed to read",
			EnvVars: []string{"TVFEED_SOURCE_URI"},
		},
		&cli.StringFlag{
			Name:    "tracker-url",
			Usage:   "Base url of the tracker used to resolve download links",
			EnvVars: []string{"TVFEED_TRACKER_URL"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Concurrent link resolutions per announcement",
			EnvVars: []string{"TVFEED_WORKERS"},
		},
	}
}

func newEngine(cfg *config.TomlConfig, store *db.DB, hist *history.Store) (*engine.Engine, error) {
	resolver, err := tracker.NewClient(cfg.Tracker.BaseURL, cfg.Tracker.Timeout.Duration)
	if err != nil {
		return nil, err
	}

	fetcher := source.NewHTTPFetcher(cfg.Source.Timeout.Duration, cfg.Source.UserAgent)

	return engine.New(engine.Config{
		SourceURI: cfg.Source.URI,
		Headers:   cfg.Source.Headers,
		Workers:   cfg.Engine.Workers,
	}, engine.Dependencies{
		Source:      source.NewReader(fetcher),
		Series:      series.NewTracker(store),
		History:     hist,
		Directory:   store,
		Credentials: store,
		Resolver:    resolver,
	}), nil
}

func cycleCmd() *cli.Command {
	return &cli.Command{
		Name:  "cycle",
		Usage: "Run a single ingestion cycle",
		Description: `Reads the announcement feed once, fans new episodes out to
		subscribers and prints the cycle report as JSON.

		Exits with a non-zero status when the feed could not be fetched, which
		makes it usable from cron.`,
		Flags: append(databaseFlags(), engineFlags()...),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			store, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			eng, err := newEngine(cfg, store, history.NewStore(store))
			if err != nil {
				return err
			}

			cycleCtx := ctx.Context
			if timeout := cfg.Engine.CycleTimeout.Duration; timeout > 0 {
				var cancel context.CancelFunc
				cycleCtx, cancel = context.WithTimeout(ctx.Context, timeout)
				defer cancel()
			}

			report := eng.RunCycle(cycleCtx)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}

			if !report.Healthy() {
				return cli.Exit(fmt.Sprintf("cycle %s could not fetch %s", report.ID, cfg.Source.URI), 1)
			}
			return nil
		},
	}
}
