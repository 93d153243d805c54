package storage

import (
	"context"
	"fmt"
	"time"
)

// SaveJob stores the job, replacing any row with the same key.
func (q queries) SaveJob(ctx context.Context, j Job) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO scheduled_jobs(job_key, fire_at_utc, payload, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(job_key) DO UPDATE SET
		   fire_at_utc = excluded.fire_at_utc,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		j.Key, formatTS(j.FireAt), j.Payload, q.nowTS(),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.Key, err)
	}
	return nil
}

func (q queries) DeleteJob(ctx context.Context, key string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_key = ?`, key)
	return err
}

// DeleteJobIf deletes the row only if it still fires at fireAt, so a job
// re-planned by its own handler survives.
func (q queries) DeleteJobIf(ctx context.Context, key string, fireAt time.Time) error {
	_, err := q.q.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE job_key = ? AND fire_at_utc = ?`, key, formatTS(fireAt))
	return err
}

func (q queries) LoadJobs(ctx context.Context) ([]Job, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT job_key, fire_at_utc, payload FROM scheduled_jobs ORDER BY fire_at_utc, job_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var (
			j  Job
			at string
		)
		if err := rows.Scan(&j.Key, &at, &j.Payload); err != nil {
			return nil, err
		}
		if j.FireAt, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Key, err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
