package resolution

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"plantbot/internal/domain"
	"plantbot/internal/storage"
	"plantbot/internal/transport"
	logx "plantbot/pkg/logx"
)

func TestDecide(t *testing.T) {
	t.Parallel()
	const owner, sub = 1, 2
	resolved := func(st domain.ActionStatus, by int64) domain.Pending {
		return domain.Pending{OwnerUserID: owner, Resolution: &domain.Resolution{Status: st, ByUserID: by}}
	}
	open := domain.Pending{OwnerUserID: owner}
	ownerActor := Actor{UserID: owner, Owner: true}
	member := Actor{UserID: sub, CanComplete: true}
	viewer := Actor{UserID: sub}

	tests := []struct {
		name    string
		p       domain.Pending
		actor   Actor
		status  domain.ActionStatus
		want    Decision
		wantErr error
	}{
		{"owner done", open, ownerActor, domain.StatusDone, Decision{Source: domain.SourceSchedule}, nil},
		{"owner skip", open, ownerActor, domain.StatusSkipped, Decision{Source: domain.SourceSchedule}, nil},
		{"member done", open, member, domain.StatusDone, Decision{Source: domain.SourceShared}, nil},
		{"member skip", open, member, domain.StatusSkipped, Decision{Source: domain.SourceShared}, nil},
		{"viewer", open, viewer, domain.StatusDone, Decision{}, domain.ErrUnauthorized},
		{"done is final", resolved(domain.StatusDone, owner), ownerActor, domain.StatusDone, Decision{}, domain.ErrAlreadyResolved},
		{"done by member is final", resolved(domain.StatusDone, sub), ownerActor, domain.StatusSkipped, Decision{}, domain.ErrAlreadyResolved},
		{"owner skip locks owner", resolved(domain.StatusSkipped, owner), ownerActor, domain.StatusDone, Decision{}, domain.ErrSkipLocked},
		{"owner skip locks member", resolved(domain.StatusSkipped, owner), member, domain.StatusDone, Decision{}, domain.ErrSkipLocked},
		{"owner overrides member skip", resolved(domain.StatusSkipped, sub), ownerActor, domain.StatusDone,
			Decision{Source: domain.SourceSchedule, Prev: domain.StatusSkipped}, nil},
		{"owner cannot re-skip", resolved(domain.StatusSkipped, sub), ownerActor, domain.StatusSkipped, Decision{}, domain.ErrAlreadyResolved},
		{"member cannot override", resolved(domain.StatusSkipped, sub), member, domain.StatusDone, Decision{}, domain.ErrAlreadyResolved},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Decide(tt.p, tt.actor, tt.status)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("Decide = %+v, want %+v", got, tt.want)
			}
		})
	}
	if !errors.Is(domain.ErrSkipLocked, domain.ErrAlreadyResolved) {
		t.Fatalf("ErrSkipLocked must wrap ErrAlreadyResolved")
	}
	if _, err := Decide(open, ownerActor, "LATER"); err == nil {
		t.Fatalf("unknown status accepted")
	}
}

type edit struct {
	text string
	kb   [][]transport.Button
}

type fakeEditor struct {
	mu    sync.Mutex
	edits map[int]edit
	fail  map[int64]bool
}

func (f *fakeEditor) Edit(_ context.Context, chatID int64, messageID int, text string, kb [][]transport.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[chatID] {
		return errors.New("message to edit not found")
	}
	f.edits[messageID] = edit{text: text, kb: kb}
	return nil
}

func (f *fakeEditor) last(messageID int) edit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[messageID]
}

type fakePlanner struct {
	mu    sync.Mutex
	calls []int64
}

func (f *fakePlanner) Plan(_ context.Context, id int64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return time.Date(2024, 1, 6, 8, 0, 0, 0, time.UTC), nil
}

const (
	ownerMsg   = 10
	memberMsg  = 20
	viewerMsg  = 30
	ownerID    = int64(1)
	memberID   = int64(2)
	viewerID   = int64(3)
	strangerID = int64(9)
)

type env struct {
	st      *storage.Store
	svc     *Service
	editor  *fakeEditor
	planner *fakePlanner
	sch     domain.OwnedSchedule
	pending domain.Pending
}

// newEnv seeds an owner schedule shared with a completing member and a
// view-only member, and one fired pending with a message to each.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 1, 3, 8, 5, 0, 0, time.UTC)
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "plantbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	st.SetClock(func() time.Time { return now })

	for id, name := range map[int64]string{ownerID: "ann", memberID: "bob", viewerID: "cat"} {
		if _, err := st.UpsertUser(ctx, domain.User{ID: id, Username: name}); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}
	plant, err := st.CreatePlant(ctx, ownerID, "Monstera")
	if err != nil {
		t.Fatalf("CreatePlant: %v", err)
	}
	s, err := st.CreateSchedule(ctx, domain.Schedule{
		PlantID: plant.ID, Action: domain.ActionWatering, Type: domain.ScheduleInterval,
		IntervalDays: 3, LocalTime: domain.TimeOfDay{Hour: 9}, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	o, err := st.GetOwnedSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetOwnedSchedule: %v", err)
	}
	link, err := st.CreateShareLink(ctx, domain.ShareLink{OwnerUserID: ownerID, Code: "GREEN123", Active: true, AllowCompleteDefault: true}, []int64{s.ID})
	if err != nil {
		t.Fatalf("CreateShareLink: %v", err)
	}
	no := false
	mb, err := st.UpsertShareMember(ctx, domain.ShareMember{ShareID: link.ID, SubscriberUserID: memberID, Status: domain.MemberActive})
	if err != nil {
		t.Fatalf("UpsertShareMember: %v", err)
	}
	vw, err := st.UpsertShareMember(ctx, domain.ShareMember{ShareID: link.ID, SubscriberUserID: viewerID, Status: domain.MemberActive, CanCompleteOverride: &no})
	if err != nil {
		t.Fatalf("UpsertShareMember: %v", err)
	}

	p, _, err := st.CreateOrGetPending(ctx, domain.Pending{
		ScheduleID: s.ID, PlantID: plant.ID, OwnerUserID: ownerID, Action: domain.ActionWatering,
		PlannedAt: time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateOrGetPending: %v", err)
	}
	for _, m := range []domain.PendingMessage{
		{PendingID: p.ID, ChatID: ownerID, MessageID: ownerMsg, IsOwner: true},
		{PendingID: p.ID, ChatID: memberID, MessageID: memberMsg, ShareID: link.ID, ShareMemberID: mb.ID},
		{PendingID: p.ID, ChatID: viewerID, MessageID: viewerMsg, ShareID: link.ID, ShareMemberID: vw.ID},
	} {
		if _, err := st.AddPendingMessage(ctx, m); err != nil {
			t.Fatalf("AddPendingMessage: %v", err)
		}
	}

	e := &env{st: st, editor: &fakeEditor{edits: map[int]edit{}, fail: map[int64]bool{}}, planner: &fakePlanner{}, sch: o, pending: p}
	e.svc = New(st, e.editor, e.planner, nil, Config{}, logx.Nop())
	e.svc.SetClock(func() time.Time { return now })
	return e
}

func (e *env) resolve(actor int64, status domain.ActionStatus) (Outcome, error) {
	return e.svc.Resolve(context.Background(), Request{PendingID: e.pending.ID, ActorUserID: actor, Status: status})
}

func (e *env) logs(t *testing.T) []domain.ActionLog {
	t.Helper()
	logs, err := e.st.ListActionLogs(context.Background(), e.sch.Schedule.ID, 10)
	if err != nil {
		t.Fatalf("ListActionLogs: %v", err)
	}
	return logs
}

func TestResolveOwnerDoneIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	out, err := e.resolve(ownerID, domain.StatusDone)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Source != domain.SourceSchedule || out.Status != domain.StatusDone {
		t.Fatalf("Outcome = %+v", out)
	}
	if out.Edited != 3 {
		t.Fatalf("Edited = %d, want 3", out.Edited)
	}
	if out.Next.IsZero() || len(e.planner.calls) != 1 {
		t.Fatalf("schedule not re-planned: %+v", e.planner.calls)
	}
	for _, id := range []int{ownerMsg, memberMsg, viewerMsg} {
		ed := e.editor.last(id)
		if !strings.Contains(ed.text, "done ✅") || strings.Contains(ed.text, " by ") || ed.kb != nil {
			t.Fatalf("message %d = %+v", id, ed)
		}
	}

	for _, actor := range []int64{ownerID, memberID} {
		if _, err := e.resolve(actor, domain.StatusDone); !errors.Is(err, domain.ErrAlreadyResolved) {
			t.Fatalf("second tap by %d = %v, want ErrAlreadyResolved", actor, err)
		}
	}
	if n := len(e.logs(t)); n != 1 {
		t.Fatalf("logs = %d, want 1", n)
	}
}

func TestResolveOwnerSkipLocks(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if _, err := e.resolve(ownerID, domain.StatusSkipped); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, actor := range []int64{ownerID, memberID} {
		_, err := e.resolve(actor, domain.StatusDone)
		if !errors.Is(err, domain.ErrSkipLocked) {
			t.Fatalf("tap by %d = %v, want ErrSkipLocked", actor, err)
		}
		if got := domain.UserMessage(err); got != "Skipped by the owner" {
			t.Fatalf("UserMessage = %q", got)
		}
	}
	if err := e.svc.Rollback(context.Background(), e.pending.ID, ownerID); !errors.Is(err, domain.ErrSkipLocked) {
		t.Fatalf("Rollback = %v, want ErrSkipLocked", err)
	}
}

func TestOwnerOverridesSubscriberSkip(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.resolve(memberID, domain.StatusSkipped)
	if err != nil {
		t.Fatalf("Resolve(member skip): %v", err)
	}
	if out.Source != domain.SourceShared {
		t.Fatalf("Source = %s, want SHARED", out.Source)
	}
	owner := e.editor.last(ownerMsg)
	if len(owner.kb) != 1 || len(owner.kb[0]) != 1 || !strings.HasPrefix(owner.kb[0][0].Data, "rem:done:") {
		t.Fatalf("owner keyboard = %+v, want a single Done button", owner.kb)
	}
	if viewer := e.editor.last(viewerMsg); !strings.Contains(viewer.text, "by @bob") {
		t.Fatalf("viewer text = %q, want attribution", viewer.text)
	}
	logs := e.logs(t)
	if len(logs) != 1 || logs[0].ShareID == 0 || logs[0].UserID != memberID || logs[0].OwnerUserID != ownerID {
		t.Fatalf("logs = %+v", logs)
	}

	if _, err := e.resolve(memberID, domain.StatusDone); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("member re-tap = %v, want ErrAlreadyResolved", err)
	}
	// The owner copy offers no Skip: it could only be refused.
	if _, err := e.resolve(ownerID, domain.StatusSkipped); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("owner skip = %v, want ErrAlreadyResolved", err)
	}
	out, err = e.resolve(ownerID, domain.StatusDone)
	if err != nil {
		t.Fatalf("Resolve(owner done): %v", err)
	}
	if out.Source != domain.SourceSchedule {
		t.Fatalf("Source = %s, want SCHEDULE", out.Source)
	}
	p, _, err := e.st.CreateOrGetPending(ctx, domain.Pending{ScheduleID: e.sch.Schedule.ID, PlannedAt: e.pending.PlannedAt})
	if err != nil {
		t.Fatalf("CreateOrGetPending: %v", err)
	}
	if p.Resolution == nil || p.Resolution.Status != domain.StatusDone || p.Resolution.ByUserID != ownerID {
		t.Fatalf("resolution = %+v", p.Resolution)
	}
	if owner := e.editor.last(ownerMsg); owner.kb != nil {
		t.Fatalf("owner keyboard kept after done")
	}
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	for _, actor := range []int64{viewerID, strangerID} {
		if _, err := e.resolve(actor, domain.StatusDone); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("Resolve(%d) = %v, want ErrUnauthorized", actor, err)
		}
	}
	if _, err := e.svc.Resolve(ctx, Request{PendingID: 999, ActorUserID: ownerID, Status: domain.StatusDone}); !errors.Is(err, domain.ErrPendingNotFound) {
		t.Fatalf("Resolve(missing) = %v, want ErrPendingNotFound", err)
	}
	if n := len(e.logs(t)); n != 0 {
		t.Fatalf("rejected taps wrote %d logs", n)
	}
	if len(e.planner.calls) != 0 {
		t.Fatalf("rejected taps re-planned")
	}

	if err := e.st.SetScheduleActive(ctx, e.sch.Schedule.ID, false); err != nil {
		t.Fatalf("SetScheduleActive: %v", err)
	}
	if _, err := e.resolve(ownerID, domain.StatusDone); !errors.Is(err, domain.ErrScheduleInactiveOrMissing) {
		t.Fatalf("Resolve(inactive) = %v, want ErrScheduleInactiveOrMissing", err)
	}
}

func TestEditFailuresDoNotUndoResolution(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.editor.fail[memberID] = true

	out, err := e.resolve(ownerID, domain.StatusDone)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Edited != 2 {
		t.Fatalf("Edited = %d, want 2", out.Edited)
	}
}

func TestRollback(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.resolve(ownerID, domain.StatusDone); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := e.svc.Rollback(ctx, e.pending.ID, memberID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Rollback(member) = %v, want ErrUnauthorized", err)
	}
	if err := e.svc.Rollback(ctx, e.pending.ID, ownerID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if owner := e.editor.last(ownerMsg); len(owner.kb) != 1 || len(owner.kb[0]) != 2 {
		t.Fatalf("owner keyboard = %+v, want done/skip", owner.kb)
	}
	if member := e.editor.last(memberMsg); member.kb == nil {
		t.Fatalf("completing member lost buttons after rollback")
	}
	if viewer := e.editor.last(viewerMsg); viewer.kb != nil {
		t.Fatalf("view-only member got buttons after rollback")
	}
	if n := len(e.logs(t)); n != 1 {
		t.Fatalf("logs = %d, want history kept", n)
	}

	// The pending is open again.
	if _, err := e.resolve(memberID, domain.StatusDone); err != nil {
		t.Fatalf("Resolve after rollback: %v", err)
	}
	// The owner may clear a member's done; clearing an open pending is a no-op.
	if err := e.svc.Rollback(ctx, e.pending.ID, ownerID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := e.svc.Rollback(ctx, e.pending.ID, ownerID); err != nil {
		t.Fatalf("Rollback(open) = %v", err)
	}
}

func TestConcurrentTapsResolveOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		actor := ownerID
		if i%2 == 1 {
			actor = memberID
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.resolve(actor, domain.StatusDone)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrAlreadyResolved) {
				t.Errorf("Resolve = %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	if n := len(e.logs(t)); n != 1 {
		t.Fatalf("logs = %d, want 1", n)
	}
}
