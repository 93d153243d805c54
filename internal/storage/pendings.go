package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"plantbot/internal/domain"
)

const pendingCols = `id, schedule_id, plant_id, owner_user_id, action, planned_run_at_utc, created_at,
  resolved_status, resolved_source, resolved_by_user_id, resolved_at_utc, resolved_log_id`

func scanPending(sc rowScanner) (domain.Pending, error) {
	var (
		p                        domain.Pending
		action, planned, created string
		rStatus, rSource, rAt    sql.NullString
		rBy, rLog                sql.NullInt64
	)
	if err := sc.Scan(&p.ID, &p.ScheduleID, &p.PlantID, &p.OwnerUserID, &action, &planned, &created,
		&rStatus, &rSource, &rBy, &rAt, &rLog); err != nil {
		return domain.Pending{}, err
	}
	var err error
	if p.Action, err = domain.ParseActionType(action); err != nil {
		return p, err
	}
	if p.PlannedAt, err = parseTS(planned); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTS(created); err != nil {
		return p, err
	}
	if rStatus.Valid {
		r := &domain.Resolution{ByUserID: rBy.Int64, LogID: rLog.Int64}
		if r.Status, err = domain.ParseActionStatus(rStatus.String); err != nil {
			return p, err
		}
		if rSource.Valid {
			if r.Source, err = domain.ParseActionSource(rSource.String); err != nil {
				return p, err
			}
		}
		if r.At, err = tsOrZero(rAt); err != nil {
			return p, err
		}
		p.Resolution = r
	}
	return p, nil
}

// CreateOrGetPending inserts the pending for (schedule, planned instant) or
// returns the existing row. created reports whether this call inserted it.
func (q queries) CreateOrGetPending(ctx context.Context, p domain.Pending) (domain.Pending, bool, error) {
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO action_pendings(schedule_id, plant_id, owner_user_id, action, planned_run_at_utc, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(schedule_id, planned_run_at_utc) DO NOTHING`,
		p.ScheduleID, p.PlantID, p.OwnerUserID, string(p.Action), formatTS(p.PlannedAt), q.nowTS(),
	)
	if err != nil {
		return domain.Pending{}, false, fmt.Errorf("create pending: %w", err)
	}
	created := affected(res) > 0
	row := q.q.QueryRowContext(ctx,
		`SELECT `+pendingCols+` FROM action_pendings WHERE schedule_id = ? AND planned_run_at_utc = ?`,
		p.ScheduleID, formatTS(p.PlannedAt))
	got, err := scanPending(row)
	if err != nil {
		return domain.Pending{}, false, err
	}
	return got, created, nil
}

func (q queries) GetPending(ctx context.Context, id int64) (domain.Pending, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+pendingCols+` FROM action_pendings WHERE id = ?`, id)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Pending{}, fmt.Errorf("pending %d: %w", id, domain.ErrPendingNotFound)
	}
	return p, err
}

// MarkPendingResolved sets the resolution only if the stored status still
// equals prev ("" for unresolved). A lost race yields ErrAlreadyResolved.
func (q queries) MarkPendingResolved(ctx context.Context, id int64, prev domain.ActionStatus, r domain.Resolution) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE action_pendings
		 SET resolved_status = ?, resolved_source = ?, resolved_by_user_id = ?, resolved_at_utc = ?, resolved_log_id = ?
		 WHERE id = ? AND COALESCE(resolved_status, '') = ?`,
		string(r.Status), string(r.Source), r.ByUserID, formatTS(r.At), nullID(r.LogID), id, string(prev),
	)
	if err != nil {
		return fmt.Errorf("resolve pending %d: %w", id, err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("pending %d: %w", id, domain.ErrAlreadyResolved)
	}
	return nil
}

// ClearPendingResolution resets a resolution whose status still equals prev.
func (q queries) ClearPendingResolution(ctx context.Context, id int64, prev domain.ActionStatus) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE action_pendings
		 SET resolved_status = NULL, resolved_source = NULL, resolved_by_user_id = NULL, resolved_at_utc = NULL, resolved_log_id = NULL
		 WHERE id = ? AND resolved_status = ?`,
		id, string(prev),
	)
	if err != nil {
		return fmt.Errorf("clear pending %d: %w", id, err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("pending %d: %w", id, domain.ErrAlreadyResolved)
	}
	return nil
}

// DeleteFutureUnresolved drops unresolved pendings planned after the instant.
func (q queries) DeleteFutureUnresolved(ctx context.Context, scheduleID int64, after time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM action_pendings
		 WHERE schedule_id = ? AND resolved_status IS NULL AND planned_run_at_utc > ?`,
		scheduleID, formatTS(after))
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

// DeleteResolvedBefore prunes resolved pendings (and their messages) planned
// before the cutoff. Action logs are kept.
func (q queries) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM action_pendings WHERE resolved_status IS NOT NULL AND planned_run_at_utc < ?`,
		formatTS(before))
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

func (q queries) AddPendingMessage(ctx context.Context, m domain.PendingMessage) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO action_pending_messages(pending_id, chat_id, message_id, is_owner, share_id, share_member_id, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		m.PendingID, m.ChatID, m.MessageID, boolInt(m.IsOwner), nullID(m.ShareID), nullID(m.ShareMemberID), q.nowTS(),
	)
	if err != nil {
		return 0, fmt.Errorf("add pending message: %w", err)
	}
	return res.LastInsertId()
}

func (q queries) ListPendingMessages(ctx context.Context, pendingID int64) ([]domain.PendingMessage, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, pending_id, chat_id, message_id, is_owner, share_id, share_member_id
		 FROM action_pending_messages WHERE pending_id = ? ORDER BY id`, pendingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PendingMessage
	for rows.Next() {
		var (
			m                 domain.PendingMessage
			isOwner           int
			shareID, memberID sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.PendingID, &m.ChatID, &m.MessageID, &isOwner, &shareID, &memberID); err != nil {
			return nil, err
		}
		m.IsOwner = isOwner != 0
		m.ShareID, m.ShareMemberID = shareID.Int64, memberID.Int64
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q queries) CountPendingMessages(ctx context.Context, pendingID int64) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_pending_messages WHERE pending_id = ?`, pendingID).Scan(&n)
	return n, err
}
