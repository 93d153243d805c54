package feed

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"plantbot/internal/domain"
	"plantbot/internal/recurrence"
	"plantbot/internal/storage"
	"plantbot/internal/tzconv"
	logx "plantbot/pkg/logx"
)

type fakeStore struct {
	users     map[int64]domain.User
	schedules []domain.OwnedSchedule
	shared    []storage.SharedSchedule
	last      map[int64]time.Time
	manual    map[int64]bool
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) ListUserSchedules(_ context.Context, userID int64, flt storage.ScheduleFilter) ([]domain.OwnedSchedule, error) {
	var out []domain.OwnedSchedule
	for _, o := range f.schedules {
		if o.Owner.ID != userID || (flt.ActiveOnly && !o.Schedule.Active) {
			continue
		}
		if flt.Action != nil && o.Schedule.Action != *flt.Action {
			continue
		}
		if flt.PlantID != 0 && o.Plant.ID != flt.PlantID {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeStore) SharedSchedulesForUser(context.Context, int64, time.Time) ([]storage.SharedSchedule, error) {
	return f.shared, nil
}

func (f *fakeStore) LastEffectiveDone(_ context.Context, id int64) (time.Time, domain.ActionSource, bool, error) {
	t, ok := f.last[id]
	if !ok {
		return time.Time{}, "", false, nil
	}
	if f.manual[id] {
		return t, domain.SourceManual, true, nil
	}
	return t, domain.SourceSchedule, true, nil
}

var (
	owner  = domain.User{ID: 1, TZ: "Europe/Amsterdam", Username: "anna"}
	viewer = domain.User{ID: 2, TZ: "Europe/Amsterdam", Username: "ben"}
	ficus  = domain.Plant{ID: 10, UserID: 1, Name: "Ficus"}
)

func intervalSchedule(id int64, days int, hour int) domain.OwnedSchedule {
	return domain.OwnedSchedule{
		Schedule: domain.Schedule{ID: id, PlantID: ficus.ID, Action: domain.ActionWatering, Type: domain.ScheduleInterval,
			IntervalDays: days, LocalTime: domain.TimeOfDay{Hour: hour}, Active: true},
		Plant: ficus, Owner: owner,
	}
}

func weeklySchedule(id int64, mask domain.WeekMask, hour int) domain.OwnedSchedule {
	return domain.OwnedSchedule{
		Schedule: domain.Schedule{ID: id, PlantID: ficus.ID, Action: domain.ActionFertilizing, Type: domain.ScheduleWeekly,
			WeeklyMask: mask, LocalTime: domain.TimeOfDay{Hour: hour}, Active: true},
		Plant: ficus, Owner: owner,
	}
}

func newTestBuilder(st *fakeStore, now time.Time) *Builder {
	b := NewBuilder(st, Config{}, logx.Nop())
	b.SetClock(func() time.Time { return now })
	return b
}

// Wednesday 2024-01-10 13:00 local.
var testNow = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func baseStore() *fakeStore {
	return &fakeStore{
		users: map[int64]domain.User{1: owner, 2: viewer},
		schedules: []domain.OwnedSchedule{
			intervalSchedule(100, 2, 9),
			weeklySchedule(200, domain.MaskOf(time.Monday, time.Thursday), 8),
		},
		last: map[int64]time.Time{100: time.Date(2024, 1, 9, 8, 0, 0, 0, time.UTC)},
	}
}

func dates(p Page) []string {
	var out []string
	for _, d := range p.Days {
		out = append(out, d.Date.String())
	}
	return out
}

func TestFeedUpcomingWindow(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(baseStore(), testNow)
	page, err := b.Feed(context.Background(), Query{UserID: 1, Mode: ModeUpcoming, Page: 1, Days: 5})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if page.Pages != 18 || page.Page != 1 {
		t.Fatalf("page %d/%d, want 1/18", page.Page, page.Pages)
	}
	if want := []string{"2024-01-11", "2024-01-13"}; !slices.Equal(dates(page), want) {
		t.Fatalf("days = %v, want %v", dates(page), want)
	}
	first := page.Days[0].Items
	if len(first) != 2 || first[0].ScheduleID != 200 || first[1].ScheduleID != 100 {
		t.Fatalf("Jan 11 items = %+v", first)
	}
	loc, _ := tzconv.LoadZone("Europe/Amsterdam")
	today := tzconv.Today(testNow, loc)
	for _, d := range page.Days {
		if d.Date.Before(today) || d.Date.After(today.AddDays(4)) {
			t.Fatalf("day %s outside [%s, %s]", d.Date, today, today.AddDays(4))
		}
		for i := 1; i < len(d.Items); i++ {
			if d.Items[i].At.Before(d.Items[i-1].At) {
				t.Fatalf("items not ascending on %s", d.Date)
			}
		}
	}
	if page.Partial != nil {
		t.Fatalf("unexpected partial error: %v", page.Partial)
	}
}

func TestFeedHistoryDescending(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(baseStore(), testNow)
	page, err := b.Feed(context.Background(), Query{UserID: 1, Mode: ModeHistory, Page: 1, Days: 3})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if want := []string{"2024-01-09", "2024-01-08", "2024-01-07"}; !slices.Equal(dates(page), want) {
		t.Fatalf("days = %v, want %v", dates(page), want)
	}
	if page.Pages != 60 {
		t.Fatalf("pages = %d, want 60", page.Pages)
	}
	if page.Start.String() != "2024-01-07" || page.End.String() != "2024-01-09" {
		t.Fatalf("window = %s..%s", page.Start, page.End)
	}
}

func TestFeedPageClampAndFilters(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(baseStore(), testNow)
	page, err := b.Feed(context.Background(), Query{UserID: 1, Page: 99, Days: 7})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if page.Page != 13 || page.Pages != 13 {
		t.Fatalf("page %d/%d, want 13/13", page.Page, page.Pages)
	}
	if want := tzconv.NewDate(2024, 1, 10).AddDays(84); page.Start != want {
		t.Fatalf("start = %s, want %s", page.Start, want)
	}

	action := domain.ActionFertilizing
	page, err = b.Feed(context.Background(), Query{UserID: 1, Action: &action, Page: 1, Days: 7})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for _, d := range page.Days {
		for _, it := range d.Items {
			if it.Action != domain.ActionFertilizing {
				t.Fatalf("unexpected action %s", it.Action)
			}
		}
	}
	if len(page.Days) != 2 {
		t.Fatalf("weekly days = %v, want Thu and Mon", dates(page))
	}
}

func TestFeedSkipsInvalidSchedule(t *testing.T) {
	t.Parallel()
	st := baseStore()
	bad := intervalSchedule(300, 0, 9)
	st.schedules = append(st.schedules, bad)
	b := newTestBuilder(st, testNow)
	page, err := b.Feed(context.Background(), Query{UserID: 1, Page: 1, Days: 5})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !errors.Is(page.Partial, domain.ErrInvalidScheduleConfig) {
		t.Fatalf("Partial = %v, want ErrInvalidScheduleConfig", page.Partial)
	}
	if len(page.Days) != 2 {
		t.Fatalf("other schedules should still render, got %v", dates(page))
	}
}

func TestFeedUnknownUser(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(baseStore(), testNow)
	if _, err := b.Feed(context.Background(), Query{UserID: 42}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSharedFeedHistoryVisibility(t *testing.T) {
	t.Parallel()
	st := baseStore()
	no, yes := false, true
	link := domain.ShareLink{ID: 5, OwnerUserID: 1, Active: true, ShowHistoryDefault: true}
	hidden := domain.Membership{Link: link, Member: domain.ShareMember{ID: 1, ShareID: 5, SubscriberUserID: 2, Status: domain.MemberActive, ShowHistoryOverride: &no}}
	shown := domain.Membership{Link: link, Member: domain.ShareMember{ID: 2, ShareID: 6, SubscriberUserID: 2, Status: domain.MemberActive, ShowHistoryOverride: &yes}}
	st.shared = []storage.SharedSchedule{
		{OwnedSchedule: st.schedules[0], Membership: hidden},
		{OwnedSchedule: st.schedules[1], Membership: hidden},
		{OwnedSchedule: st.schedules[1], Membership: shown},
	}
	b := newTestBuilder(st, testNow)

	up, err := b.SharedFeed(context.Background(), Query{UserID: 2, Mode: ModeUpcoming, Page: 1, Days: 5})
	if err != nil {
		t.Fatalf("SharedFeed: %v", err)
	}
	count := 0
	for _, d := range up.Days {
		count += len(d.Items)
	}
	if count != 3 {
		t.Fatalf("upcoming items = %d, want 3 (no duplicates)", count)
	}

	hist, err := b.SharedFeed(context.Background(), Query{UserID: 2, Mode: ModeHistory, Page: 1, Days: 3})
	if err != nil {
		t.Fatalf("SharedFeed: %v", err)
	}
	for _, d := range hist.Days {
		for _, it := range d.Items {
			if it.ScheduleID != 200 {
				t.Fatalf("schedule %d should be hidden from history", it.ScheduleID)
			}
		}
	}
	if want := []string{"2024-01-08"}; !slices.Equal(dates(hist), want) {
		t.Fatalf("history days = %v, want %v", dates(hist), want)
	}
}

func TestOccurrencesIntervalKeepsPhase(t *testing.T) {
	t.Parallel()
	loc, _ := tzconv.LoadZone("Europe/Amsterdam")
	rule := recurrence.Rule{Type: domain.ScheduleInterval, IntervalDays: 3, At: domain.TimeOfDay{Hour: 9}}
	last := time.Date(2024, 1, 20, 8, 0, 0, 0, time.UTC)
	start, _ := tzconv.DayBounds(tzconv.NewDate(2024, 1, 1), loc)
	_, end := tzconv.DayBounds(tzconv.NewDate(2024, 1, 10), loc)
	seq, err := Occurrences(rule, last, domain.SourceSchedule, loc, start, end)
	if err != nil {
		t.Fatalf("Occurrences: %v", err)
	}
	var got []string
	for at := range seq {
		got = append(got, tzconv.DateOf(at, loc).String())
	}
	want := []string{"2024-01-02", "2024-01-05", "2024-01-08"}
	if !slices.Equal(got, want) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
}

func TestOccurrencesWeeklyAcrossDST(t *testing.T) {
	t.Parallel()
	loc, _ := tzconv.LoadZone("Europe/Amsterdam")
	rule := recurrence.Rule{Type: domain.ScheduleWeekly, WeeklyMask: domain.MaskOf(time.Sunday), At: domain.TimeOfDay{Hour: 2, Minute: 30}}
	start, _ := tzconv.DayBounds(tzconv.NewDate(2024, 3, 20), loc)
	_, end := tzconv.DayBounds(tzconv.NewDate(2024, 4, 10), loc)
	seq, err := Occurrences(rule, time.Time{}, "", loc, start, end)
	if err != nil {
		t.Fatalf("Occurrences: %v", err)
	}
	var got []time.Time
	for at := range seq {
		got = append(got, at)
	}
	want := []string{"2024-03-24T01:30:00Z", "2024-03-31T01:30:00Z", "2024-04-07T00:30:00Z"}
	if len(got) != len(want) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
	for i := range want {
		if s := got[i].Format(time.RFC3339); s != want[i] {
			t.Fatalf("occurrence %d = %s, want %s", i, s, want[i])
		}
	}
}

func TestOccurrencesEarlyStop(t *testing.T) {
	t.Parallel()
	rule := recurrence.Rule{Type: domain.ScheduleInterval, IntervalDays: 1, At: domain.TimeOfDay{Hour: 6}}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seq, err := Occurrences(rule, time.Time{}, "", time.UTC, start, start.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("Occurrences: %v", err)
	}
	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if _, err := Occurrences(recurrence.Rule{Type: domain.ScheduleWeekly}, time.Time{}, "", time.UTC, start, start); !errors.Is(err, domain.ErrInvalidScheduleConfig) {
		t.Fatalf("empty mask err = %v", err)
	}
}

func TestFeedManualCompletionCoversNextSlot(t *testing.T) {
	t.Parallel()
	st := baseStore()
	// Done by hand on Thursday 2024-01-11 at 07:00 local, before the 08:00 slot.
	st.last[200] = time.Date(2024, 1, 11, 6, 0, 0, 0, time.UTC)
	st.manual = map[int64]bool{200: true}
	b := newTestBuilder(st, time.Date(2024, 1, 11, 6, 30, 0, 0, time.UTC))
	action := domain.ActionFertilizing
	page, err := b.Feed(context.Background(), Query{UserID: 1, Action: &action, Mode: ModeUpcoming, Page: 1, Days: 7})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if want := []string{"2024-01-15"}; !slices.Equal(dates(page), want) {
		t.Fatalf("days = %v, want %v", dates(page), want)
	}
}

func TestOccurrencesIntervalCompletionDayCovered(t *testing.T) {
	t.Parallel()
	loc, _ := tzconv.LoadZone("Europe/Amsterdam")
	rule := recurrence.Rule{Type: domain.ScheduleInterval, IntervalDays: 3, At: domain.TimeOfDay{Hour: 9}}
	// Done by hand at 08:00 local on the first day of the window.
	last := time.Date(2024, 1, 4, 7, 0, 0, 0, time.UTC)
	start, _ := tzconv.DayBounds(tzconv.NewDate(2024, 1, 4), loc)
	_, end := tzconv.DayBounds(tzconv.NewDate(2024, 1, 10), loc)
	seq, err := Occurrences(rule, last, domain.SourceManual, loc, start, end)
	if err != nil {
		t.Fatalf("Occurrences: %v", err)
	}
	var got []string
	for at := range seq {
		got = append(got, tzconv.DateOf(at, loc).String())
	}
	if want := []string{"2024-01-07", "2024-01-10"}; !slices.Equal(got, want) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
}
