package sharing

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"plantbot/internal/domain"
	"plantbot/internal/storage"
	logx "plantbot/pkg/logx"
)

func newService(t *testing.T, now time.Time) (*Service, *storage.Store, int64) {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "plantbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	st.SetClock(func() time.Time { return now })

	if _, err := st.UpsertUser(ctx, domain.User{ID: 1, Username: "ann"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	p, err := st.CreatePlant(ctx, 1, "Monstera")
	if err != nil {
		t.Fatalf("CreatePlant: %v", err)
	}
	s, err := st.CreateSchedule(ctx, domain.Schedule{
		PlantID: p.ID, Action: domain.ActionWatering, Type: domain.ScheduleWeekly,
		WeeklyMask: domain.WeekMask(1), LocalTime: domain.TimeOfDay{Hour: 9}, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	svc := New(st, nil, logx.Nop())
	svc.SetClock(func() time.Time { return now })
	return svc, st, s.ID
}

func TestNewCode(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		c, err := NewCode()
		if err != nil {
			t.Fatalf("NewCode: %v", err)
		}
		if len(c) != codeLen {
			t.Fatalf("len(%q) = %d, want %d", c, len(c), codeLen)
		}
		for _, r := range c {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q has %q", c, r)
			}
		}
		seen[c] = true
	}
	if len(seen) < 45 {
		t.Fatalf("only %d distinct codes out of 50", len(seen))
	}
	if got := NormalizeCode(" abcd-efgh "); got != "ABCDEFGH" {
		t.Fatalf("NormalizeCode = %q", got)
	}
}

func TestCreateLinkChecksOwnership(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)
	svc, _, sid := newService(t, now)
	ctx := context.Background()

	if _, err := svc.CreateLink(ctx, CreateRequest{OwnerUserID: 2, ScheduleIDs: []int64{sid}}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("CreateLink(stranger) = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.CreateLink(ctx, CreateRequest{OwnerUserID: 1}); err == nil {
		t.Fatalf("CreateLink without schedules accepted")
	}
	if _, err := svc.CreateLink(ctx, CreateRequest{OwnerUserID: 1, ScheduleIDs: []int64{sid}, ExpiresAt: now.Add(-time.Hour)}); err == nil {
		t.Fatalf("CreateLink with past expiry accepted")
	}

	l, err := svc.CreateLink(ctx, CreateRequest{OwnerUserID: 1, ScheduleIDs: []int64{sid}, AllowComplete: true})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if !l.Active || !l.AllowCompleteDefault || len(l.Code) != codeLen {
		t.Fatalf("link = %+v", l)
	}
	links, _ := svc.Links(ctx, 1)
	if len(links) != 1 || links[0].Code != l.Code {
		t.Fatalf("Links = %+v", links)
	}
}

func TestCreateLinkRetriesTakenCode(t *testing.T) {
	t.Parallel()
	svc, _, sid := newService(t, time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	codes := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	svc.code = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	first, err := svc.CreateLink(ctx, CreateRequest{OwnerUserID: 1, ScheduleIDs: []int64{sid}})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	second, err := svc.CreateLink(ctx, CreateRequest{OwnerUserID: 1, ScheduleIDs: []int64{sid}})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if first.Code != "AAAAAAAA" || second.Code != "BBBBBBBB" {
		t.Fatalf("codes = %s, %s", first.Code, second.Code)
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)
	svc, st, sid := newService(t, now)
	ctx := context.Background()

	l, err := svc.CreateLink(ctx, CreateRequest{OwnerUserID: 1, ScheduleIDs: []int64{sid}, MaxUses: 2})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	res, err := svc.Join(ctx, strings.ToLower(l.Code), 2)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Already || res.Member.Status != domain.MemberActive {
		t.Fatalf("Join = %+v", res)
	}
	// A second join by the same user does not count a use.
	if res, err = svc.Join(ctx, l.Code, 2); err != nil || !res.Already {
		t.Fatalf("rejoin = %+v, %v", res, err)
	}
	if _, err := svc.Join(ctx, l.Code, 3); err != nil {
		t.Fatalf("Join(3): %v", err)
	}
	if _, err := svc.Join(ctx, l.Code, 4); !errors.Is(err, domain.ErrShareUnavailable) {
		t.Fatalf("Join over max uses = %v, want ErrShareUnavailable", err)
	}
	got, _ := st.GetShareLink(ctx, l.ID)
	if got.UsesCount != 2 {
		t.Fatalf("UsesCount = %d, want 2", got.UsesCount)
	}

	for _, tt := range []struct {
		name string
		code string
		user int64
	}{
		{"unknown code", "ZZZZZZZZ", 5},
		{"own link", l.Code, 1},
	} {
		if _, err := svc.Join(ctx, tt.code, tt.user); !errors.Is(err, domain.ErrShareUnavailable) {
			t.Fatalf("%s: err = %v, want ErrShareUnavailable", tt.name, err)
		}
	}
}

func TestJoinRespectsStatusAndLink(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)
	svc, st, sid := newService(t, now)
	ctx := context.Background()

	l, err := svc.CreateLink(ctx, CreateRequest{OwnerUserID: 1, ScheduleIDs: []int64{sid}, ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if _, err := svc.Join(ctx, l.Code, 2); err != nil {
		t.Fatalf("Join: %v", err)
	}

	yes := true
	if err := svc.SetOverrides(ctx, 1, l.ID, 2, &yes, nil); err != nil {
		t.Fatalf("SetOverrides: %v", err)
	}
	if err := svc.SetOverrides(ctx, 2, l.ID, 2, nil, nil); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("SetOverrides(member) = %v, want ErrUnauthorized", err)
	}

	// Leaving and rejoining keeps the overrides.
	if err := svc.Leave(ctx, l.ID, 2); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	m, _ := st.GetShareMember(ctx, l.ID, 2)
	if m.Status != domain.MemberRemoved || m.RemovedAt.IsZero() {
		t.Fatalf("member after leave = %+v", m)
	}
	res, err := svc.Join(ctx, l.Code, 2)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.Member.CanCompleteOverride == nil || !*res.Member.CanCompleteOverride {
		t.Fatalf("override lost on rejoin: %+v", res.Member)
	}

	if err := svc.SetMemberStatus(ctx, 1, l.ID, 2, domain.MemberBlocked); err != nil {
		t.Fatalf("SetMemberStatus: %v", err)
	}
	if _, err := svc.Join(ctx, l.Code, 2); !errors.Is(err, domain.ErrShareUnavailable) {
		t.Fatalf("Join(blocked) = %v, want ErrShareUnavailable", err)
	}

	if err := svc.SetMuted(ctx, l.ID, 2, true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	if m, _ := st.GetShareMember(ctx, l.ID, 2); !m.Muted {
		t.Fatalf("member not muted")
	}

	if err := svc.SetLinkActive(ctx, 2, l.ID, false); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("SetLinkActive(member) = %v, want ErrUnauthorized", err)
	}
	if err := svc.SetLinkActive(ctx, 1, l.ID, false); err != nil {
		t.Fatalf("SetLinkActive: %v", err)
	}
	if _, err := svc.Join(ctx, l.Code, 3); !errors.Is(err, domain.ErrShareUnavailable) {
		t.Fatalf("Join(inactive link) = %v, want ErrShareUnavailable", err)
	}
	members, _ := svc.Members(ctx, l.ID)
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1", len(members))
	}
}
