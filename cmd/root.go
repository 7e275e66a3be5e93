/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"tvfeed/config"
	"tvfeed/db"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "tvfeed",
		Usage: "Personal episode feeds built from a tracker's announcement feed",
		Description: `Reads the announcement feed of a TV tracker, detects episodes that
		have not been seen before and adds them to the feed of every subscriber
		following the series, with a download link resolved for the subscriber's
		preferred quality. A global "base" feed keeps every new announcement.

		Flags can generally be set via environment variables, e.g.:

		--database => TVFEED_DATABASE=feed.db
		--port => TVFEED_PORT=3000
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML configuration file",
				EnvVars: []string{"TVFEED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (trace, debug, info, warn, error)",
				EnvVars: []string{"TVFEED_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Log as JSON",
				EnvVars: []string{"TVFEED_LOG_JSON"},
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := log.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			log.SetOutput(os.Stderr)
			if ctx.Bool("log-json") {
				log.SetFormatter(&log.JSONFormatter{})
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			cycleCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
			subscriberCmd(),
			historyCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func databaseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-driver",
			Usage:   "Database driver, sqlite or postgres",
			EnvVars: []string{"TVFEED_DATABASE_DRIVER"},
		},
		&cli.StringFlag{
			Name:    "database",
			Aliases: []string{"d"},
			Usage:   "SQLite database file or PostgreSQL connection url",
			EnvVars: []string{"TVFEED_DATABASE"},
		},
	}
}

// loadConfig reads the configuration file and applies any flags set on the command line
func loadConfig(ctx *cli.Context) (*config.TomlConfig, error) {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	if ctx.IsSet("database-driver") {
		cfg.Database.Driver = ctx.String("database-driver")
	}
	if ctx.IsSet("database") {
		cfg.Database.DSN = ctx.String("database")
	}
	if ctx.IsSet("source-uri") {
		cfg.Source.URI = ctx.String("source-uri")
	}
	if ctx.IsSet("tracker-url") {
		cfg.Tracker.BaseURL = ctx.String("tracker-url")
	}
	if ctx.IsSet("workers") {
		cfg.Engine.Workers = ctx.Int("workers")
	}
	if ctx.IsSet("interval") {
		cfg.Engine.Interval = config.Duration{Duration: ctx.Duration("interval")}
	}
	if ctx.IsSet("hostname") {
		cfg.Server.Hostname = ctx.String("hostname")
	}
	if ctx.IsSet("port") {
		cfg.Server.Port = ctx.Int("port")
	}
	if ctx.IsSet("cache-expiration") {
		cfg.Server.CacheExpiration = config.Duration{Duration: ctx.Duration("cache-expiration")}
	}

	return cfg, nil
}

func openDatabase(cfg *config.TomlConfig) (*db.DB, error) {
	log.WithFields(log.Fields{
		"driver": cfg.Database.Driver,
	}).Info("Opening database")

	store, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}
