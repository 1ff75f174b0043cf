package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a transcription job.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is the durable transcription task of one recording. A recording has at
// most one job row, so at most one pending or running job.
type Job struct {
	RecordingID int64
	ID          string
	State       JobState
	Attempts    int
	LastError   string
	ErrorKind   string
	NotBefore   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EnqueueJob schedules a transcription of recordingID. A finished or failed
// job is reset to pending; a pending or running one is left alone and
// created is false.
func (s *Store) EnqueueJob(ctx context.Context, recordingID int64) (created bool, err error) {
	now := s.clock().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcription_jobs(recording_id, job_id, state, attempts, not_before, created_at, updated_at)
		 VALUES(?, ?, 'pending', 0, ?, ?, ?)
		 ON CONFLICT(recording_id) DO UPDATE SET
		     job_id=excluded.job_id, state='pending', attempts=0, last_error='', error_kind='',
		     not_before=excluded.not_before, updated_at=excluded.updated_at
		 WHERE transcription_jobs.state IN ('done', 'failed')`,
		recordingID, uuid.NewString(), now, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimJob moves the oldest due pending job to running and returns it. ok is
// false when nothing is due.
func (s *Store) ClaimJob(ctx context.Context) (job Job, ok bool, err error) {
	now := s.clock().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE transcription_jobs SET state='running', attempts=attempts+1, updated_at=?
		 WHERE state='pending' AND recording_id = (
		     SELECT recording_id FROM transcription_jobs
		     WHERE state='pending' AND not_before <= ?
		     ORDER BY not_before, created_at LIMIT 1)
		 RETURNING `+jobColumns, now, now)
	job, err = scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// ClaimJobFor moves the pending job of recordingID to running whether or not
// it is due yet. ok is false when the recording has no pending job, which is
// the case while another worker runs it.
func (s *Store) ClaimJobFor(ctx context.Context, recordingID int64) (job Job, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE transcription_jobs SET state='running', attempts=attempts+1, updated_at=?
		 WHERE recording_id=? AND state='pending'
		 RETURNING `+jobColumns, s.clock().UnixMilli(), recordingID)
	job, err = scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// CompleteJob marks a running job done.
func (s *Store) CompleteJob(ctx context.Context, recordingID int64) error {
	return s.finishJob(ctx, recordingID, JobDone, 0, "", "")
}

// RetryJob returns a running job to pending, due at notBefore.
func (s *Store) RetryJob(ctx context.Context, recordingID int64, notBefore time.Time, lastErr, kind string) error {
	return s.finishJob(ctx, recordingID, JobPending, notBefore.UnixMilli(), lastErr, kind)
}

// FailJob marks a running job permanently failed.
func (s *Store) FailJob(ctx context.Context, recordingID int64, lastErr, kind string) error {
	return s.finishJob(ctx, recordingID, JobFailed, 0, lastErr, kind)
}

func (s *Store) finishJob(ctx context.Context, recordingID int64, state JobState, notBefore int64, lastErr, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE transcription_jobs SET state=?, not_before=?, last_error=?, error_kind=?, updated_at=?
		 WHERE recording_id=? AND state='running'`,
		string(state), notBefore, lastErr, kind, s.clock().UnixMilli(), recordingID)
	return err
}

// ResetRunningJobs returns jobs left running by an interrupted process to
// pending and reports how many were reset.
func (s *Store) ResetRunningJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcription_jobs SET state='pending', not_before=0, updated_at=? WHERE state='running'`,
		s.clock().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetJob returns the job of a recording. ok is false when none exists.
func (s *Store) GetJob(ctx context.Context, recordingID int64) (Job, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs WHERE recording_id = ?`, recordingID))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// ListJobs returns every job in state, or all jobs when state is empty.
func (s *Store) ListJobs(ctx context.Context, state JobState) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs
		 WHERE ? = '' OR state = ? ORDER BY created_at, recording_id`, string(state), string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const jobColumns = `recording_id, job_id, state, attempts, last_error, error_kind, not_before, created_at, updated_at`

func scanJob(row scanner) (Job, error) {
	var job Job
	var state string
	var notBefore, created, updated int64
	if err := row.Scan(&job.RecordingID, &job.ID, &state, &job.Attempts, &job.LastError, &job.ErrorKind, &notBefore, &created, &updated); err != nil {
		return Job{}, err
	}
	job.State = JobState(state)
	job.NotBefore = time.UnixMilli(notBefore)
	job.CreatedAt = time.UnixMilli(created)
	job.UpdatedAt = time.UnixMilli(updated)
	return job, nil
}
