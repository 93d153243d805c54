package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"plantbot/internal/app"
	"plantbot/internal/domain"
	"plantbot/internal/feed"
	"plantbot/internal/reminder"
	"plantbot/internal/sharing"
	"plantbot/internal/storage"
)

var (
	feedFlags = []cli.Flag{
		userFlag,
		cli.StringFlag{Name: "mode, m", Value: "upcoming", Usage: "upcoming or history"},
		cli.IntFlag{Name: "page, p", Value: 1},
		cli.IntFlag{Name: "days", Usage: "local days per page (default from config)"},
		cli.StringFlag{Name: "action, a", Usage: "only this action type"},
		cli.Int64Flag{Name: "plant", Usage: "only this plant id"},
		cli.BoolFlag{Name: "shared, s", Usage: "show schedules shared with the user"},
	}

	scheduleFlags = []cli.Flag{
		userFlag,
		cli.StringFlag{Name: "tz", Usage: "IANA zone for a new user (default reminders.default_timezone)"},
		cli.StringFlag{Name: "plant", Usage: "plant name; created when missing"},
		cli.StringFlag{Name: "action, a", Value: "watering", Usage: "watering, fertilizing, repotting or custom"},
		cli.IntFlag{Name: "every", Usage: "interval in days"},
		cli.StringFlag{Name: "days", Usage: "weekdays, e.g. mon,thu"},
		cli.StringFlag{Name: "at", Value: "09:00", Usage: "local time HH:MM"},
		cli.StringFlag{Name: "title", Usage: "custom reminder title"},
	}

	scheduleRefFlags = []cli.Flag{
		userFlag,
		cli.Int64Flag{Name: "schedule"},
	}

	scheduleEditFlags = append([]cli.Flag{
		cli.StringFlag{Name: "at", Usage: "new local time HH:MM"},
		cli.StringFlag{Name: "title", Usage: "new custom title; \"-\" clears it"},
	}, scheduleRefFlags...)

	actionFlags = []cli.Flag{
		userFlag,
		cli.Int64Flag{Name: "schedule"},
		cli.StringFlag{Name: "status", Value: "done", Usage: "done or skipped"},
		cli.StringFlag{Name: "note"},
	}

	shareCreateFlags = []cli.Flag{
		userFlag,
		cli.Int64SliceFlag{Name: "schedule", Usage: "schedule id, repeatable"},
		cli.StringFlag{Name: "title"},
		cli.BoolTFlag{Name: "allow-complete", Usage: "members may mark done (default: true)"},
		cli.BoolFlag{Name: "show-history"},
		cli.DurationFlag{Name: "expires", Usage: "lifetime, e.g. 168h (default: never)"},
		cli.IntFlag{Name: "max-uses"},
	}
)

type scheduleInput struct {
	Action string
	Every  int
	Days   string
	At     string
	Title  string
}

// buildSchedule turns command line input into a schedule: --every makes an
// INTERVAL schedule, --days a WEEKLY one.
func buildSchedule(in scheduleInput) (domain.Schedule, error) {
	action, err := domain.ParseActionType(in.Action)
	if err != nil {
		return domain.Schedule{}, err
	}
	at, err := domain.ParseTimeOfDay(in.At)
	if err != nil {
		return domain.Schedule{}, err
	}
	s := domain.Schedule{Action: action, LocalTime: at, Active: true, CustomTitle: strings.TrimSpace(in.Title)}
	switch {
	case in.Every > 0 && in.Days != "":
		return domain.Schedule{}, errors.New("use either --every or --days")
	case in.Every > 0:
		s.Type = domain.ScheduleInterval
		s.IntervalDays = in.Every
	case in.Days != "":
		s.Type = domain.ScheduleWeekly
		if s.WeeklyMask, err = domain.ParseWeekMask(in.Days); err != nil {
			return domain.Schedule{}, err
		}
	default:
		return domain.Schedule{}, errors.New("one of --every or --days is required")
	}
	return s, s.Validate()
}

func addSchedule(c *cli.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	plantName := strings.TrimSpace(c.String("plant"))
	if plantName == "" {
		return errors.New("--plant is required")
	}
	sch, err := buildSchedule(scheduleInput{
		Action: c.String("action"),
		Every:  c.Int("every"),
		Days:   c.String("days"),
		At:     c.String("at"),
		Title:  c.String("title"),
	})
	if err != nil {
		return err
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		st := a.Store()
		tz := strings.TrimSpace(c.String("tz"))
		if _, err := st.GetUser(ctx, userID); errors.Is(err, domain.ErrNotFound) && tz == "" {
			tz = a.Config().Reminders.DefaultTimezone
		} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if _, err := st.UpsertUser(ctx, domain.User{ID: userID, TZ: tz}); err != nil {
			return err
		}

		var created domain.Schedule
		err := st.InTx(ctx, func(tx *storage.Tx) error {
			plant, err := tx.CreatePlant(ctx, userID, plantName)
			if err != nil {
				return err
			}
			sch.PlantID = plant.ID
			created, err = tx.CreateSchedule(ctx, sch)
			return err
		})
		if err != nil {
			return err
		}
		next, err := a.Reminders().Plan(ctx, created.ID)
		if err != nil {
			return fmt.Errorf("schedule %d created but not planned: %w", created.ID, err)
		}
		fmt.Fprintf(out, "schedule %d created; next reminder %s\n", created.ID, next.Format(time.RFC3339))
		return nil
	})
}

// ownedSchedule loads the schedule named by --schedule and checks that the
// --user owns it.
func ownedSchedule(ctx context.Context, c *cli.Context, a *app.App) (domain.OwnedSchedule, error) {
	userID, err := requireUser(c)
	if err != nil {
		return domain.OwnedSchedule{}, err
	}
	id := c.Int64("schedule")
	if id <= 0 {
		return domain.OwnedSchedule{}, errors.New("--schedule is required")
	}
	o, err := a.Store().GetOwnedSchedule(ctx, id)
	if err != nil {
		return domain.OwnedSchedule{}, err
	}
	if o.Owner.ID != userID {
		return domain.OwnedSchedule{}, fmt.Errorf("user %d on schedule %d: %w", userID, id, domain.ErrUnauthorized)
	}
	return o, nil
}

func setScheduleActive(active bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		return withApp(c, func(ctx context.Context, a *app.App) error {
			o, err := ownedSchedule(ctx, c, a)
			if err != nil {
				return err
			}
			next, err := a.Reminders().SetActive(ctx, o.Schedule.ID, active)
			if err != nil {
				return err
			}
			if !active {
				fmt.Fprintf(out, "schedule %d paused\n", o.Schedule.ID)
				return nil
			}
			fmt.Fprintf(out, "schedule %d resumed; next reminder %s\n", o.Schedule.ID, next.Format(time.RFC3339))
			return nil
		})
	}
}

func editSchedule(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		o, err := ownedSchedule(ctx, c, a)
		if err != nil {
			return err
		}
		sch := o.Schedule
		if raw := strings.TrimSpace(c.String("at")); raw != "" {
			if sch.LocalTime, err = domain.ParseTimeOfDay(raw); err != nil {
				return err
			}
		}
		switch title := strings.TrimSpace(c.String("title")); title {
		case "":
		case "-":
			sch.CustomTitle = ""
		default:
			sch.CustomTitle = title
		}
		next, err := a.Reminders().UpdateSchedule(ctx, sch)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "schedule %d updated", sch.ID)
		if !next.IsZero() {
			fmt.Fprintf(out, "; next reminder %s", next.Format(time.RFC3339))
		}
		fmt.Fprintln(out)
		return nil
	})
}

func removeSchedule(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		o, err := ownedSchedule(ctx, c, a)
		if err != nil {
			return err
		}
		if err := a.Reminders().DeleteSchedule(ctx, o.Schedule.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "schedule %d removed\n", o.Schedule.ID)
		return nil
	})
}

func manualAction(c *cli.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	status, err := domain.ParseActionStatus(c.String("status"))
	if err != nil {
		return err
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		res, err := a.Reminders().ManualAction(ctx, reminder.ManualRequest{
			ScheduleID:  c.Int64("schedule"),
			ActorUserID: userID,
			Status:      status,
			Note:        c.String("note"),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "logged action %d (%s)", res.LogID, res.Source)
		if !res.Next.IsZero() {
			fmt.Fprintf(out, "; next reminder %s", res.Next.Format(time.RFC3339))
		}
		fmt.Fprintln(out)
		return nil
	})
}

func showFeed(c *cli.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	mode, err := feed.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}
	q := feed.Query{UserID: userID, Mode: mode, Page: c.Int("page"), Days: c.Int("days"), PlantID: c.Int64("plant")}
	if s := c.String("action"); s != "" {
		act, err := domain.ParseActionType(s)
		if err != nil {
			return err
		}
		q.Action = &act
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		build := a.Feed().Feed
		if c.Bool("shared") {
			build = a.Feed().SharedFeed
		}
		page, err := build(ctx, q)
		if err != nil {
			return err
		}
		printFeed(page)
		if page.Partial != nil {
			return fmt.Errorf("some schedules could not be rendered: %w", page.Partial)
		}
		return nil
	})
}

func printFeed(p feed.Page) {
	fmt.Fprintf(out, "%s %s..%s (page %d/%d)\n", p.Mode, p.Start, p.End, p.Page, p.Pages)
	if len(p.Days) == 0 {
		fmt.Fprintln(out, "nothing here")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, d := range p.Days {
		fmt.Fprintf(w, "%s\n", d.Date)
		for _, it := range d.Items {
			fmt.Fprintf(w, "  %s\t%s\t%s\t#%d\n", it.Local.Format("15:04"), it.Title, it.PlantName, it.ScheduleID)
		}
	}
	_ = w.Flush()
}

func createShare(c *cli.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	req := sharing.CreateRequest{
		OwnerUserID:   userID,
		ScheduleIDs:   c.Int64Slice("schedule"),
		Title:         c.String("title"),
		AllowComplete: c.BoolT("allow-complete"),
		ShowHistory:   c.Bool("show-history"),
		MaxUses:       c.Int("max-uses"),
	}
	if d := c.Duration("expires"); d > 0 {
		req.ExpiresAt = time.Now().Add(d)
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		link, err := a.Sharing().CreateLink(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "share link %d created; code %s\n", link.ID, link.Code)
		return nil
	})
}

func joinShare(c *cli.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	code := c.Args().First()
	if code == "" {
		return errors.New("share code is required")
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		if _, err := a.Store().UpsertUser(ctx, domain.User{ID: userID}); err != nil {
			return err
		}
		res, err := a.Sharing().Join(ctx, code, userID)
		if err != nil {
			return fmt.Errorf("%s: %w", domain.UserMessage(err), err)
		}
		if res.Already {
			fmt.Fprintf(out, "already a member of %q\n", res.Link.Title)
			return nil
		}
		fmt.Fprintf(out, "joined %q as member %d\n", res.Link.Title, res.Member.ID)
		return nil
	})
}
