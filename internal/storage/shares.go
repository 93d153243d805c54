package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"plantbot/internal/domain"
)

const shareLinkCols = `l.id, l.owner_user_id, l.code, l.title, l.allow_complete_default, l.show_history_default,
  l.is_active, l.created_at, l.expires_at_utc, l.max_uses, l.uses_count`

const shareMemberCols = `m.id, m.share_id, m.subscriber_user_id, m.status, m.can_complete_override,
  m.show_history_override, m.muted, m.joined_at, m.removed_at`

type linkRow struct {
	l                      domain.ShareLink
	title, created, expiry sql.NullString
	allow, show, active    int
	maxUses                sql.NullInt64
}

func (r *linkRow) dest() []any {
	return []any{&r.l.ID, &r.l.OwnerUserID, &r.l.Code, &r.title, &r.allow, &r.show,
		&r.active, &r.created, &r.expiry, &r.maxUses, &r.l.UsesCount}
}

func (r *linkRow) decode() (domain.ShareLink, error) {
	l := r.l
	l.Title = r.title.String
	l.AllowCompleteDefault = r.allow != 0
	l.ShowHistoryDefault = r.show != 0
	l.Active = r.active != 0
	l.MaxUses = int(r.maxUses.Int64)
	var err error
	if l.CreatedAt, err = tsOrZero(r.created); err != nil {
		return l, err
	}
	if l.ExpiresAt, err = tsOrZero(r.expiry); err != nil {
		return l, err
	}
	return l, nil
}

type memberRow struct {
	m                 domain.ShareMember
	status            string
	canComplete, show sql.NullInt64
	muted             int
	joined, removed   sql.NullString
}

func (r *memberRow) dest() []any {
	return []any{&r.m.ID, &r.m.ShareID, &r.m.SubscriberUserID, &r.status, &r.canComplete,
		&r.show, &r.muted, &r.joined, &r.removed}
}

func (r *memberRow) decode() (domain.ShareMember, error) {
	m := r.m
	var err error
	if m.Status, err = domain.ParseMemberStatus(r.status); err != nil {
		return m, err
	}
	m.CanCompleteOverride = boolPtr(r.canComplete)
	m.ShowHistoryOverride = boolPtr(r.show)
	m.Muted = r.muted != 0
	if m.JoinedAt, err = tsOrZero(r.joined); err != nil {
		return m, err
	}
	if m.RemovedAt, err = tsOrZero(r.removed); err != nil {
		return m, err
	}
	return m, nil
}

// CreateShareLink inserts the link and attaches the schedules. Call it inside
// InTx when attaching several schedules.
func (q queries) CreateShareLink(ctx context.Context, l domain.ShareLink, scheduleIDs []int64) (domain.ShareLink, error) {
	now := q.now()
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO share_links(owner_user_id, code, title, allow_complete_default, show_history_default,
		   is_active, created_at, expires_at_utc, max_uses, uses_count)
		 VALUES(?,?,?,?,?,?,?,?,?,0)`,
		l.OwnerUserID, l.Code, nullStr(l.Title), boolInt(l.AllowCompleteDefault), boolInt(l.ShowHistoryDefault),
		boolInt(l.Active), formatTS(now), nullTS(l.ExpiresAt), nullInt(l.MaxUses),
	)
	if err != nil {
		return domain.ShareLink{}, fmt.Errorf("create share link: %w", err)
	}
	if l.ID, err = res.LastInsertId(); err != nil {
		return domain.ShareLink{}, err
	}
	for _, sid := range scheduleIDs {
		if err := q.AddScheduleToShare(ctx, l.ID, sid); err != nil {
			return domain.ShareLink{}, err
		}
	}
	l.CreatedAt = now.UTC()
	l.UsesCount = 0
	return l, nil
}

func (q queries) AddScheduleToShare(ctx context.Context, shareID, scheduleID int64) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO share_link_schedules(share_id, schedule_id) VALUES(?, ?)
		 ON CONFLICT(share_id, schedule_id) DO NOTHING`, shareID, scheduleID)
	if err != nil {
		return fmt.Errorf("share %d add schedule %d: %w", shareID, scheduleID, err)
	}
	return nil
}

func (q queries) RemoveScheduleFromShare(ctx context.Context, shareID, scheduleID int64) error {
	_, err := q.q.ExecContext(ctx,
		`DELETE FROM share_link_schedules WHERE share_id = ? AND schedule_id = ?`, shareID, scheduleID)
	return err
}

func (q queries) GetShareLink(ctx context.Context, id int64) (domain.ShareLink, error) {
	return q.getShareLink(ctx, `l.id = ?`, id)
}

func (q queries) GetShareLinkByCode(ctx context.Context, code string) (domain.ShareLink, error) {
	return q.getShareLink(ctx, `l.code = ?`, strings.TrimSpace(code))
}

func (q queries) getShareLink(ctx context.Context, where string, arg any) (domain.ShareLink, error) {
	var r linkRow
	err := q.q.QueryRowContext(ctx, `SELECT `+shareLinkCols+` FROM share_links l WHERE `+where, arg).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ShareLink{}, fmt.Errorf("share link: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.ShareLink{}, err
	}
	return r.decode()
}

func (q queries) ListShareLinks(ctx context.Context, ownerID int64) ([]domain.ShareLink, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+shareLinkCols+` FROM share_links l WHERE l.owner_user_id = ? ORDER BY l.id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ShareLink
	for rows.Next() {
		var r linkRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, err
		}
		l, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q queries) ShareScheduleIDs(ctx context.Context, shareID int64) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT schedule_id FROM share_link_schedules WHERE share_id = ? ORDER BY schedule_id`, shareID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (q queries) SetShareLinkActive(ctx context.Context, id int64, active bool) error {
	res, err := q.q.ExecContext(ctx, `UPDATE share_links SET is_active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("share link %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// IncrementShareUses bumps uses_count while it is below max_uses.
func (q queries) IncrementShareUses(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE share_links SET uses_count = uses_count + 1
		 WHERE id = ? AND (max_uses IS NULL OR uses_count < max_uses)`, id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("share link %d: %w", id, domain.ErrShareUnavailable)
	}
	return nil
}

func (q queries) GetShareMember(ctx context.Context, shareID, userID int64) (domain.ShareMember, error) {
	var r memberRow
	err := q.q.QueryRowContext(ctx,
		`SELECT `+shareMemberCols+` FROM share_members m WHERE m.share_id = ? AND m.subscriber_user_id = ?`,
		shareID, userID).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ShareMember{}, fmt.Errorf("share member: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.ShareMember{}, err
	}
	return r.decode()
}

// UpsertShareMember inserts or rewrites the member row for (share, user).
func (q queries) UpsertShareMember(ctx context.Context, m domain.ShareMember) (domain.ShareMember, error) {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = q.now()
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO share_members(share_id, subscriber_user_id, status, can_complete_override, show_history_override,
		   muted, joined_at, removed_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(share_id, subscriber_user_id) DO UPDATE SET
		   status = excluded.status,
		   can_complete_override = excluded.can_complete_override,
		   show_history_override = excluded.show_history_override,
		   muted = excluded.muted,
		   removed_at = excluded.removed_at`,
		m.ShareID, m.SubscriberUserID, string(m.Status), nullBool(m.CanCompleteOverride), nullBool(m.ShowHistoryOverride),
		boolInt(m.Muted), formatTS(m.JoinedAt), nullTS(m.RemovedAt),
	)
	if err != nil {
		return domain.ShareMember{}, fmt.Errorf("upsert share member: %w", err)
	}
	return q.GetShareMember(ctx, m.ShareID, m.SubscriberUserID)
}

func (q queries) ListShareMembers(ctx context.Context, shareID int64) ([]domain.ShareMember, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+shareMemberCols+` FROM share_members m WHERE m.share_id = ? ORDER BY m.id`, shareID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ShareMember
	for rows.Next() {
		var r memberRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, err
		}
		m, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MembershipsForSchedule lists every member of every link containing the
// schedule, whatever its status. Callers filter with Membership.Receiving.
func (q queries) MembershipsForSchedule(ctx context.Context, scheduleID int64) ([]domain.Membership, error) {
	return q.listMemberships(ctx, `ls.schedule_id = ?`, scheduleID)
}

// SubscriberMemberships lists the user's memberships in links containing the schedule.
func (q queries) SubscriberMemberships(ctx context.Context, scheduleID, userID int64) ([]domain.Membership, error) {
	return q.listMemberships(ctx, `ls.schedule_id = ? AND m.subscriber_user_id = ?`, scheduleID, userID)
}

func (q queries) listMemberships(ctx context.Context, where string, args ...any) ([]domain.Membership, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+shareLinkCols+`, `+shareMemberCols+`
		 FROM share_link_schedules ls
		 JOIN share_links l ON l.id = ls.share_id
		 JOIN share_members m ON m.share_id = l.id
		 WHERE `+where+` ORDER BY l.id, m.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Membership
	for rows.Next() {
		var (
			lr linkRow
			mr memberRow
		)
		if err := rows.Scan(append(lr.dest(), mr.dest()...)...); err != nil {
			return nil, err
		}
		l, err := lr.decode()
		if err != nil {
			return nil, err
		}
		m, err := mr.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Membership{Link: l, Member: m})
	}
	return out, rows.Err()
}

// SharedSchedulesForUser returns active schedules reachable through the
// user's ACTIVE, unmuted memberships in live links, one row per membership.
func (q queries) SharedSchedulesForUser(ctx context.Context, userID int64, now time.Time) ([]SharedSchedule, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+ownedScheduleCols+`, `+shareLinkCols+`, `+shareMemberCols+ownedScheduleFrom+`
		 JOIN share_link_schedules ls ON ls.schedule_id = s.id
		 JOIN share_links l ON l.id = ls.share_id
		 JOIN share_members m ON m.share_id = l.id
		 WHERE m.subscriber_user_id = ? AND m.status = 'ACTIVE' AND m.muted = 0
		   AND l.is_active = 1 AND (l.expires_at_utc IS NULL OR l.expires_at_utc > ?)
		   AND s.active = 1
		 ORDER BY s.id, l.id`, userID, formatTS(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SharedSchedule
	for rows.Next() {
		var (
			lr linkRow
			mr memberRow
		)
		o, err := scanOwned(rows, append(lr.dest(), mr.dest()...)...)
		if err != nil {
			return nil, err
		}
		l, err := lr.decode()
		if err != nil {
			return nil, err
		}
		m, err := mr.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, SharedSchedule{OwnedSchedule: o, Membership: domain.Membership{Link: l, Member: m}})
	}
	return out, rows.Err()
}
