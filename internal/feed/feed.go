// Package feed builds day-grouped, day-paginated pages of virtual
// occurrences for a user's own schedules and for schedules shared with them.
package feed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"plantbot/internal/domain"
	"plantbot/internal/recurrence"
	"plantbot/internal/storage"
	"plantbot/internal/tzconv"
	logx "plantbot/pkg/logx"
)

type Mode string

const (
	ModeUpcoming Mode = "upcoming"
	ModeHistory  Mode = "history"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "upc", "upcoming":
		return ModeUpcoming, nil
	case "hist", "history":
		return ModeHistory, nil
	}
	return "", fmt.Errorf("unknown feed mode %q", s)
}

// Store is what the builder reads.
type Store interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
	ListUserSchedules(ctx context.Context, userID int64, f storage.ScheduleFilter) ([]domain.OwnedSchedule, error)
	SharedSchedulesForUser(ctx context.Context, userID int64, now time.Time) ([]storage.SharedSchedule, error)
	LastEffectiveDone(ctx context.Context, scheduleID int64) (time.Time, domain.ActionSource, bool, error)
}

type Config struct {
	UpcomingMaxDays int
	HistoryMaxDays  int
	DefaultDays     int
}

func (c Config) withDefaults() Config {
	if c.UpcomingMaxDays <= 0 {
		c.UpcomingMaxDays = 90
	}
	if c.HistoryMaxDays <= 0 {
		c.HistoryMaxDays = 180
	}
	if c.DefaultDays <= 0 {
		c.DefaultDays = 7
	}
	return c
}

type Query struct {
	UserID  int64
	Action  *domain.ActionType
	PlantID int64 // 0 = all plants
	Mode    Mode
	Page    int // 1-based
	Days    int // local days per page
}

type Item struct {
	At          time.Time // UTC
	Local       time.Time // in the viewer's zone
	ScheduleID  int64
	PlantID     int64
	PlantName   string
	Action      domain.ActionType
	Title       string
	OwnerUserID int64
}

type Day struct {
	Date  tzconv.Date
	Items []Item
}

type Page struct {
	Mode  Mode
	Page  int
	Pages int
	Start tzconv.Date
	End   tzconv.Date
	Days  []Day

	// Partial aggregates per-schedule failures; those schedules are missing
	// from Days. Nil when every schedule was rendered.
	Partial error
}

type Builder struct {
	store Store
	cfg   Config
	log   logx.Logger
	now   func() time.Time
}

func NewBuilder(store Store, cfg Config, log logx.Logger) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Builder{store: store, cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "feed")), now: time.Now}
}

// SetClock overrides time.Now. Tests only.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// window is the local-day range a page covers and its UTC bounds.
type window struct {
	page, pages int
	first, last tzconv.Date
	start, end  time.Time
}

func (b *Builder) window(q Query, loc *time.Location) window {
	days := q.Days
	if days <= 0 {
		days = b.cfg.DefaultDays
	}
	maxDays := b.cfg.UpcomingMaxDays
	if q.Mode == ModeHistory {
		maxDays = b.cfg.HistoryMaxDays
	}
	if days > maxDays {
		days = maxDays
	}
	pages := (maxDays + days - 1) / days
	if pages < 1 {
		pages = 1
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}

	today := tzconv.Today(b.now(), loc)
	var w window
	if q.Mode == ModeHistory {
		w.last = today.AddDays(-((page-1)*days + 1))
		w.first = w.last.AddDays(-(days - 1))
	} else {
		w.first = today.AddDays((page - 1) * days)
		w.last = w.first.AddDays(days - 1)
	}
	w.page, w.pages = page, pages
	w.start, _ = tzconv.DayBounds(w.first, loc)
	_, w.end = tzconv.DayBounds(w.last, loc)
	return w
}

// Feed pages the occurrences of the user's own active schedules.
func (b *Builder) Feed(ctx context.Context, q Query) (Page, error) {
	q.Mode = normalizeMode(q.Mode)
	user, err := b.store.GetUser(ctx, q.UserID)
	if err != nil {
		return Page{}, err
	}
	loc := b.zone(user)
	w := b.window(q, loc)

	schedules, err := b.store.ListUserSchedules(ctx, q.UserID, storage.ScheduleFilter{
		Action: q.Action, PlantID: q.PlantID, ActiveOnly: true,
	})
	if err != nil {
		return Page{}, fmt.Errorf("list schedules: %w", err)
	}
	return b.assemble(ctx, q.Mode, w, loc, schedules), nil
}

// SharedFeed pages schedules reachable through the user's ACTIVE, unmuted
// memberships in active, unexpired links. History mode keeps a schedule
// only if some reaching membership lets the member see history.
func (b *Builder) SharedFeed(ctx context.Context, q Query) (Page, error) {
	q.Mode = normalizeMode(q.Mode)
	user, err := b.store.GetUser(ctx, q.UserID)
	if err != nil {
		return Page{}, err
	}
	loc := b.zone(user)
	w := b.window(q, loc)

	rows, err := b.store.SharedSchedulesForUser(ctx, q.UserID, b.now())
	if err != nil {
		return Page{}, fmt.Errorf("list shared schedules: %w", err)
	}
	visible := map[int64]bool{}
	var schedules []domain.OwnedSchedule
	for _, r := range rows {
		s := r.Schedule
		if q.Action != nil && s.Action != *q.Action {
			continue
		}
		if q.PlantID != 0 && s.PlantID != q.PlantID {
			continue
		}
		if q.Mode == ModeHistory && !r.Membership.ShowHistory() {
			continue
		}
		if visible[s.ID] {
			continue
		}
		visible[s.ID] = true
		schedules = append(schedules, r.OwnedSchedule)
	}
	return b.assemble(ctx, q.Mode, w, loc, schedules), nil
}

func (b *Builder) assemble(ctx context.Context, mode Mode, w window, viewer *time.Location, schedules []domain.OwnedSchedule) Page {
	page := Page{Mode: mode, Page: w.page, Pages: w.pages, Start: w.first, End: w.last}
	var (
		items []Item
		errs  *multierror.Error
	)
	for _, o := range schedules {
		got, err := b.occurrences(ctx, o, viewer, w)
		if err != nil {
			b.log.Warn("feed: schedule skipped",
				logx.Int64("schedule_id", o.Schedule.ID), logx.Err(err))
			errs = multierror.Append(errs, fmt.Errorf("schedule %d: %w", o.Schedule.ID, err))
			continue
		}
		items = append(items, got...)
	}
	page.Days = groupByDay(items, mode)
	page.Partial = errs.ErrorOrNil()
	return page
}

func (b *Builder) occurrences(ctx context.Context, o domain.OwnedSchedule, viewer *time.Location, w window) ([]Item, error) {
	if err := o.Schedule.Validate(); err != nil {
		return nil, err
	}
	last, src, _, err := b.store.LastEffectiveDone(ctx, o.Schedule.ID)
	if err != nil {
		return nil, fmt.Errorf("last effective done: %w", err)
	}
	// The rule runs in the owner's zone; the page is laid out in the viewer's.
	owner := b.zone(o.Owner)
	seq, err := Occurrences(recurrence.RuleOf(o.Schedule), last, src, owner, w.start, w.end)
	if err != nil {
		return nil, err
	}
	var out []Item
	for at := range seq {
		if d := tzconv.DateOf(at, viewer); d.Before(w.first) || d.After(w.last) {
			continue
		}
		out = append(out, Item{
			At:          at.UTC(),
			Local:       at.In(viewer),
			ScheduleID:  o.Schedule.ID,
			PlantID:     o.Plant.ID,
			PlantName:   o.Plant.DisplayName(),
			Action:      o.Schedule.Action,
			Title:       o.Schedule.Title(),
			OwnerUserID: o.Owner.ID,
		})
	}
	return out, nil
}

func (b *Builder) zone(u domain.User) *time.Location {
	loc, degraded := tzconv.ZoneOrUTC(u.TZ)
	if degraded {
		b.log.Warn("feed: unknown timezone, using UTC", logx.Int64("user_id", u.ID), logx.String("tz", u.TZ))
	}
	return loc
}

// groupByDay buckets items by viewer-local date. Upcoming pages run
// forward in time; history pages run backward, newest first.
func groupByDay(items []Item, mode Mode) []Day {
	desc := mode == ModeHistory
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].At.Equal(items[j].At) {
			if desc {
				return items[i].At.After(items[j].At)
			}
			return items[i].At.Before(items[j].At)
		}
		return items[i].ScheduleID < items[j].ScheduleID
	})
	var days []Day
	for _, it := range items {
		d := tzconv.DateOf(it.Local, it.Local.Location())
		if n := len(days); n > 0 && days[n-1].Date == d {
			days[n-1].Items = append(days[n-1].Items, it)
			continue
		}
		days = append(days, Day{Date: d, Items: []Item{it}})
	}
	return days
}

func normalizeMode(m Mode) Mode {
	if m == ModeHistory {
		return ModeHistory
	}
	return ModeUpcoming
}
