/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cqroot/prompt"
	"github.com/cqroot/prompt/input"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"tvfeed/models"
)

func subscriberCmd() *cli.Command {
	return &cli.Command{
		Name:  "subscriber",
		Usage: "Manage subscribers and their subscriptions",
		Subcommands: []*cli.Command{
			subscriberAddCmd(),
			subscriberRemoveCmd(),
			subscribeCmd(),
			unsubscribeCmd(),
			subscriberListCmd(),
		},
	}
}

func subscriberAddCmd() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Add a subscriber or update its tracker credentials",
		ArgsUsage: "<subscriber-id>",
		Description: `Stores the tracker credentials used to resolve download links for
		the subscriber. The session token is prompted for when not given as a flag.`,
		Flags: append(databaseFlags(),
			&cli.StringFlag{
				Name:     "user-id",
				Usage:    "Tracker user id",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Tracker session token",
			},
		),
		Action: func(ctx *cli.Context) error {
			id := ctx.Args().First()
			if id == "" {
				return errors.New("subscriber id is required")
			}

			session := ctx.String("session")
			if session == "" {
				var err error
				session, err = prompt.New().Ask("Session token:").Input("", input.WithEchoMode(input.EchoNone))
				if err != nil {
					return err
				}
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

			return store.AddSubscriber(ctx.Context, id, models.Credentials{
				UserID:  ctx.String("user-id"),
				Session: session,
			})
		},
	}
}

func subscriberRemoveCmd() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove a subscriber with its subscriptions and feed",
		ArgsUsage: "<subscriber-id>",
		Flags:     databaseFlags(),
		Action: func(ctx *cli.Context) error {
			id := ctx.Args().First()
			if id == "" {
				return errors.New("subscriber id is required")
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

			return store.RemoveSubscriber(ctx.Context, id)
		},
	}
}

func subscriptionFlags() []cli.Flag {
	return append(databaseFlags(),
		&cli.StringFlag{
			Name:    "quality",
			Aliases: []string{"q"},
			Usage:   "Download quality: sd, mp4 (720p) or 1080",
		},
	)
}

// subscriptionArgs reads "<subscriber-id> <series>" and the quality, asking for the
// quality when it was not given
func subscriptionArgs(ctx *cli.Context) (models.Subscription, error) {
	if ctx.NArg() != 2 {
		return models.Subscription{}, errors.New("expected <subscriber-id> <series>")
	}

	raw := ctx.String("quality")
	if raw == "" {
		choices := lo.Map([]models.Quality{models.QualitySD, models.QualityMP4, models.QualityHD}, func(q models.Quality, _ int) string {
			return string(q)
		})
		var err error
		raw, err = prompt.New().Ask("Quality:").Choose(choices)
		if err != nil {
			return models.Subscription{}, err
		}
	}

	quality, err := models.ParseQuality(raw)
	if err != nil {
		return models.Subscription{}, err
	}

	return models.Subscription{
		SubscriberID: ctx.Args().Get(0),
		SeriesKey:    ctx.Args().Get(1),
		Quality:      quality,
	}, nil
}

func subscribeCmd() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Follow a series",
		ArgsUsage: "<subscriber-id> <series>",
		Flags:     subscriptionFlags(),
		Action: func(ctx *cli.Context) error {
			sub, err := subscriptionArgs(ctx)
			if err != nil {
				return err
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

			return store.Subscribe(ctx.Context, sub)
		},
	}
}

func unsubscribeCmd() *cli.Command {
	return &cli.Command{
		Name:      "unsubscribe",
		Usage:     "Stop following a series",
		ArgsUsage: "<subscriber-id> <series>",
		Flags:     subscriptionFlags(),
		Action: func(ctx *cli.Context) error {
			sub, err := subscriptionArgs(ctx)
			if err != nil {
				return err
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

			removed, err := store.Unsubscribe(ctx.Context, sub)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Println("No such subscription")
			}
			return nil
		},
	}
}

func subscriberListCmd() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List subscriptions",
		ArgsUsage: "[subscriber-id]",
		Flags:     databaseFlags(),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			subs, err := store.ListSubscriptions(ctx.Context, ctx.Args().First())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SUBSCRIBER\tSERIES\tQUALITY")
			for _, s := range subs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.SubscriberID, s.SeriesKey, s.Quality)
			}
			return w.Flush()
		},
	}
}
