package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"plantbot/internal/domain"
	"plantbot/internal/tzconv"
)

// UpsertUser creates the user or refreshes tz/username. An empty TZ keeps
// the stored zone (default for new rows).
func (q queries) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	tz := strings.TrimSpace(u.TZ)
	if tz != "" {
		if _, err := tzconv.LoadZone(tz); err != nil {
			return domain.User{}, err
		}
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO users(id, tz, username, created_at) VALUES(?, COALESCE(?, ?), ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tz = COALESCE(?, users.tz),
		   username = COALESCE(excluded.username, users.username)`,
		u.ID, nullStr(tz), domain.DefaultTimezone, nullStr(u.Username), q.nowTS(), nullStr(tz),
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return q.GetUser(ctx, u.ID)
}

func (q queries) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var (
		u        domain.User
		username sql.NullString
		created  string
	)
	err := q.q.QueryRowContext(ctx, `SELECT id, tz, username, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.TZ, &username, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, err
	}
	u.Username = username.String
	if u.CreatedAt, err = parseTS(created); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (q queries) CreatePlant(ctx context.Context, userID int64, name string) (domain.Plant, error) {
	now := q.now()
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO plants(user_id, name, created_at) VALUES(?, ?, ?)`,
		userID, strings.TrimSpace(name), formatTS(now),
	)
	if err != nil {
		return domain.Plant{}, fmt.Errorf("create plant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Plant{}, err
	}
	return domain.Plant{ID: id, UserID: userID, Name: strings.TrimSpace(name), CreatedAt: now.UTC()}, nil
}

func (q queries) GetPlant(ctx context.Context, id int64) (domain.Plant, error) {
	var (
		p       domain.Plant
		created string
	)
	err := q.q.QueryRowContext(ctx, `SELECT id, user_id, name, created_at FROM plants WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Plant{}, fmt.Errorf("plant %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Plant{}, err
	}
	if p.CreatedAt, err = parseTS(created); err != nil {
		return domain.Plant{}, err
	}
	return p, nil
}

func (q queries) ListPlants(ctx context.Context, userID int64) ([]domain.Plant, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, user_id, name, created_at FROM plants WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Plant
	for rows.Next() {
		var (
			p       domain.Plant
			created string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &created); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePlant removes the plant; schedules and their pendings cascade, logs
// keep their history with plant_id/schedule_id nulled.
func (q queries) DeletePlant(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM plants WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("plant %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (q queries) CreateSchedule(ctx context.Context, s domain.Schedule) (domain.Schedule, error) {
	if err := s.Validate(); err != nil {
		return domain.Schedule{}, err
	}
	now := q.now()
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO schedules(plant_id, action, type, interval_days, weekly_mask, local_time, active, custom_title, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		s.PlantID, string(s.Action), string(s.Type), nullInt(s.IntervalDays), nullInt(int(s.WeeklyMask)),
		s.LocalTime.String(), boolInt(s.Active), nullStr(s.CustomTitle), formatTS(now),
	)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return domain.Schedule{}, err
	}
	s.CreatedAt = now.UTC()
	return s, nil
}

func (q queries) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE schedules SET action=?, type=?, interval_days=?, weekly_mask=?, local_time=?, active=?, custom_title=?
		 WHERE id = ?`,
		string(s.Action), string(s.Type), nullInt(s.IntervalDays), nullInt(int(s.WeeklyMask)),
		s.LocalTime.String(), boolInt(s.Active), nullStr(s.CustomTitle), s.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule %d: %w", s.ID, err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("schedule %d: %w", s.ID, domain.ErrNotFound)
	}
	return nil
}

func (q queries) SetScheduleActive(ctx context.Context, id int64, active bool) error {
	res, err := q.q.ExecContext(ctx, `UPDATE schedules SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("schedule %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (q queries) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("schedule %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

const ownedScheduleCols = `
  s.id, s.plant_id, s.action, s.type, s.interval_days, s.weekly_mask, s.local_time, s.active, s.custom_title, s.created_at,
  p.id, p.user_id, p.name, p.created_at,
  u.id, u.tz, u.username, u.created_at`

const ownedScheduleFrom = `
FROM schedules s
JOIN plants p ON p.id = s.plant_id
JOIN users u ON u.id = p.user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanOwned reads ownedScheduleCols plus any trailing destinations.
func scanOwned(sc rowScanner, extra ...any) (domain.OwnedSchedule, error) {
	var (
		o                            domain.OwnedSchedule
		action, typ, localTime       string
		interval, mask               sql.NullInt64
		active                       int
		title, username              sql.NullString
		sCreated, pCreated, uCreated string
	)
	dest := []any{
		&o.Schedule.ID, &o.Schedule.PlantID, &action, &typ, &interval, &mask, &localTime, &active, &title, &sCreated,
		&o.Plant.ID, &o.Plant.UserID, &o.Plant.Name, &pCreated,
		&o.Owner.ID, &o.Owner.TZ, &username, &uCreated,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return domain.OwnedSchedule{}, err
	}
	var err error
	s := &o.Schedule
	if s.Action, err = domain.ParseActionType(action); err != nil {
		return o, fmt.Errorf("schedule %d: %w", s.ID, err)
	}
	if s.Type, err = domain.ParseScheduleType(typ); err != nil {
		return o, fmt.Errorf("schedule %d: %w", s.ID, err)
	}
	if s.LocalTime, err = domain.ParseTimeOfDay(localTime); err != nil {
		return o, fmt.Errorf("schedule %d: %w", s.ID, err)
	}
	s.IntervalDays = int(interval.Int64)
	s.WeeklyMask = domain.WeekMask(mask.Int64)
	s.Active = active != 0
	s.CustomTitle = title.String
	o.Owner.Username = username.String
	if s.CreatedAt, err = parseTS(sCreated); err != nil {
		return o, err
	}
	if o.Plant.CreatedAt, err = parseTS(pCreated); err != nil {
		return o, err
	}
	if o.Owner.CreatedAt, err = parseTS(uCreated); err != nil {
		return o, err
	}
	return o, nil
}

func (q queries) GetOwnedSchedule(ctx context.Context, id int64) (domain.OwnedSchedule, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+ownedScheduleCols+ownedScheduleFrom+` WHERE s.id = ?`, id)
	o, err := scanOwned(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OwnedSchedule{}, fmt.Errorf("schedule %d: %w", id, domain.ErrNotFound)
	}
	return o, err
}

func (q queries) GetSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	o, err := q.GetOwnedSchedule(ctx, id)
	return o.Schedule, err
}

func (q queries) ListActiveSchedules(ctx context.Context) ([]domain.OwnedSchedule, error) {
	return q.listOwned(ctx, ` WHERE s.active = 1 ORDER BY s.id`)
}

func (q queries) ListUserSchedules(ctx context.Context, userID int64, f ScheduleFilter) ([]domain.OwnedSchedule, error) {
	where := ` WHERE p.user_id = ?`
	args := []any{userID}
	if f.ActiveOnly {
		where += ` AND s.active = 1`
	}
	if f.Action != nil {
		where += ` AND s.action = ?`
		args = append(args, string(*f.Action))
	}
	if f.PlantID != 0 {
		where += ` AND s.plant_id = ?`
		args = append(args, f.PlantID)
	}
	return q.listOwned(ctx, where+` ORDER BY s.id`, args...)
}

func (q queries) listOwned(ctx context.Context, tail string, args ...any) ([]domain.OwnedSchedule, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+ownedScheduleCols+ownedScheduleFrom+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OwnedSchedule
	for rows.Next() {
		o, err := scanOwned(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
