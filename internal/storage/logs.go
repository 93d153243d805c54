package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"plantbot/internal/domain"
)

func (q queries) CreateActionLog(ctx context.Context, l domain.ActionLog) (int64, error) {
	if l.DoneAt.IsZero() {
		l.DoneAt = q.now()
	}
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO action_logs(user_id, owner_user_id, plant_id, schedule_id, action, status, source,
		   done_at_utc, plant_name_at_time, note, share_id, share_member_id)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.UserID, l.OwnerUserID, nullID(l.PlantID), nullID(l.ScheduleID), string(l.Action), string(l.Status),
		string(l.Source), formatTS(l.DoneAt), l.PlantNameAtTime, nullStr(l.Note), nullID(l.ShareID), nullID(l.ShareMemberID),
	)
	if err != nil {
		return 0, fmt.Errorf("create action log: %w", err)
	}
	return res.LastInsertId()
}

// LastEffectiveDone returns the newest log of the schedule, DONE or SKIPPED.
// On equal timestamps an owner-sourced row (SCHEDULE, MANUAL) wins over a
// SHARED one, then the later insert wins.
func (q queries) LastEffectiveDone(ctx context.Context, scheduleID int64) (time.Time, domain.ActionSource, bool, error) {
	var doneAt, source string
	err := q.q.QueryRowContext(ctx,
		`SELECT done_at_utc, source FROM action_logs
		 WHERE schedule_id = ?
		 ORDER BY done_at_utc DESC, (source = 'SHARED') ASC, id DESC
		 LIMIT 1`, scheduleID).Scan(&doneAt, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, "", false, nil
	}
	if err != nil {
		return time.Time{}, "", false, err
	}
	t, err := parseTS(doneAt)
	if err != nil {
		return time.Time{}, "", false, err
	}
	src, err := domain.ParseActionSource(source)
	if err != nil {
		return time.Time{}, "", false, err
	}
	return t, src, true, nil
}

// ListActionLogs returns the newest logs of a schedule first.
func (q queries) ListActionLogs(ctx context.Context, scheduleID int64, limit int) ([]domain.ActionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, user_id, owner_user_id, plant_id, schedule_id, action, status, source, done_at_utc,
		   plant_name_at_time, note, share_id, share_member_id
		 FROM action_logs WHERE schedule_id = ?
		 ORDER BY done_at_utc DESC, id DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ActionLog
	for rows.Next() {
		var (
			l                                 domain.ActionLog
			plantID, schID, shareID, memberID sql.NullInt64
			action, status, source, doneAt    string
			note                              sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.OwnerUserID, &plantID, &schID, &action, &status, &source, &doneAt,
			&l.PlantNameAtTime, &note, &shareID, &memberID); err != nil {
			return nil, err
		}
		if l.Action, err = domain.ParseActionType(action); err != nil {
			return nil, err
		}
		if l.Status, err = domain.ParseActionStatus(status); err != nil {
			return nil, err
		}
		if l.Source, err = domain.ParseActionSource(source); err != nil {
			return nil, err
		}
		if l.DoneAt, err = parseTS(doneAt); err != nil {
			return nil, err
		}
		l.PlantID, l.ScheduleID = plantID.Int64, schID.Int64
		l.ShareID, l.ShareMemberID = shareID.Int64, memberID.Int64
		l.Note = note.String
		out = append(out, l)
	}
	return out, rows.Err()
}
