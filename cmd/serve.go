/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"tvfeed/db"
	"tvfeed/history"
	"tvfeed/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the feeds and run ingestion cycles",
		Description: `Runs an ingestion cycle immediately and then on every interval, and
		serves the resulting feeds over HTTP.

		GET /feeds/base     global feed of new announcements
		GET /feeds/:owner   feed of a single subscriber
		GET /healthz        outcome of the last cycle
		GET /metrics        Prometheus metrics`,
		Flags: append(append(databaseFlags(), engineFlags()...),
			&cli.StringFlag{
				Name:    "hostname",
				Aliases: []string{"n"},
				Usage:   "The hostname to listen on",
				EnvVars: []string{"TVFEED_HOSTNAME"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				EnvVars: []string{"TVFEED_PORT"},
			},
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "Time between ingestion cycles",
				EnvVars: []string{"TVFEED_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "cache-expiration",
				Usage:   "How long feed responses are cached, 0 disables the cache",
				EnvVars: []string{"TVFEED_CACHE_EXPIRATION"},
			},
		),
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

			hist := history.NewStore(store)
			eng, err := newEngine(cfg, store, hist)
			if err != nil {
				return err
			}

			app := server.Server(&server.ServerConfig{
				Hostname:        cfg.Server.Hostname,
				Histories:       eng,
				Reports:         eng,
				CacheExpiration: cfg.Server.CacheExpiration.Duration,
			})

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			var wg sync.WaitGroup

			wg.Add(1)
			go func() {
				defer wg.Done()
				eng.Run(runCtx, cfg.Engine.Interval.Duration, cfg.Engine.CycleTimeout.Duration)
			}()

			if interval := cfg.Database.TidyInterval.Duration; interval > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					tidyLoop(runCtx, store, hist, interval, cfg.Database.StaleSeriesAfter.Duration)
				}()
			}

			go func() {
				<-runCtx.Done()
				log.Info("Gracefully shutting down...")
				if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
					log.WithField("error", err).Error("Error shutting down server")
				}
			}()

			addr := fmt.Sprintf("%s:%d", cfg.Server.Hostname, cfg.Server.Port)
			log.WithField("addr", addr).Info("Starting server")
			if err := app.Listen(addr); err != nil {
				stop()
				wg.Wait()
				return err
			}

			wg.Wait()
			log.Info("Done!")
			return nil
		},
	}
}

func tidyLoop(ctx context.Context, store *db.DB, hist *history.Store, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tidy(ctx, store, hist, staleAfter)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tidy removes orphaned rows and forgets cached histories of subscribers removed by
// another process
func tidy(ctx context.Context, store *db.DB, hist *history.Store, staleAfter time.Duration) {
	if _, err := store.Tidy(ctx, staleAfter); err != nil {
		log.WithField("error", err).Error("Error tidying database")
	}
	hist.Prune(ctx, store.OwnerExists)
}
