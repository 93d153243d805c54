package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"plantbot/internal/app"
)

var out io.Writer = os.Stdout

const stopTimeout = 15 * time.Second

func newCLI() *cli.App {
	a := cli.NewApp()
	a.Name = "plantbot"
	a.Usage = "plant care reminders over Telegram"
	a.UsageText = "plantbot [--config FILE] <command> [arguments...]"
	a.HideVersion = true
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "./config.json",
			Usage:  "path to the JSON or YAML config",
			EnvVar: "PLANTBOT_CONFIG",
		},
	}
	a.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the bot and block until SIGINT/SIGTERM",
			Action: runBot,
		},
		{
			Name:   "plan-all",
			Usage:  "re-plan every active schedule and exit",
			Action: planAll,
		},
		{
			Name:   "feed",
			Usage:  "print a user's upcoming or history feed",
			Flags:  feedFlags,
			Action: showFeed,
		},
		{
			Name:  "schedule",
			Usage: "manage care schedules",
			Subcommands: []cli.Command{
				{
					Name:   "add",
					Usage:  "create a plant schedule and plan its first reminder",
					Flags:  scheduleFlags,
					Action: addSchedule,
				},
				{
					Name:   "edit",
					Usage:  "change the time or title of a schedule and re-plan it",
					Flags:  scheduleEditFlags,
					Action: editSchedule,
				},
				{
					Name:   "pause",
					Usage:  "stop reminders of a schedule",
					Flags:  scheduleRefFlags,
					Action: setScheduleActive(false),
				},
				{
					Name:   "resume",
					Usage:  "restart reminders of a paused schedule",
					Flags:  scheduleRefFlags,
					Action: setScheduleActive(true),
				},
				{
					Name:   "rm",
					Usage:  "delete a schedule and its pending reminder",
					Flags:  scheduleRefFlags,
					Action: removeSchedule,
				},
			},
		},
		{
			Name:   "action",
			Usage:  "record a manual action for a schedule",
			Flags:  actionFlags,
			Action: manualAction,
		},
		{
			Name:  "share",
			Usage: "manage share links",
			Subcommands: []cli.Command{
				{
					Name:   "create",
					Usage:  "create a share link over owned schedules",
					Flags:  shareCreateFlags,
					Action: createShare,
				},
				{
					Name:      "join",
					Usage:     "join a share link by code",
					ArgsUsage: "CODE",
					Flags:     []cli.Flag{userFlag},
					Action:    joinShare,
				},
			},
		},
	}
	return a
}

var userFlag = cli.Int64Flag{Name: "user, u", Usage: "Telegram user id"}

// withApp opens the app for a one-shot command. No Telegram connection is
// made; reminders due while the bot is down are planned into the job table.
func withApp(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.Open(c.GlobalString("config"))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(context.Background(), a)
}

func requireUser(c *cli.Context) (int64, error) {
	id := c.Int64("user")
	if id == 0 {
		return 0, errors.New("--user is required")
	}
	return id, nil
}

func runBot(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Open(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		defer scancel()
		_ = a.Stop(sctx)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	stopErr := a.Stop(sctx)
	return errors.Join(a.Err(), stopErr)
}

func planAll(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		n, err := a.Reminders().PlanAll(ctx)
		fmt.Fprintf(out, "planned %d schedules\n", n)
		return err
	})
}
