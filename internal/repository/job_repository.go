package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/models"
)

// JobRepository persists video generation jobs.
type JobRepository struct {
	db *sql.DB
}

var _ jobs.Store = (*JobRepository)(nil)

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, user_id, ai_request_id, provider, model_id, task_id, status, prompt, input_data, COALESCE(video_path, ''), COALESCE(error_message, ''),
chat_id, progress_message_id, tokens_cost, attempt_count, max_attempts, started_processing_at, completed_at, expires_at, created_at, updated_at`

func scanJob(row rowScanner) (*models.VideoGenerationJob, error) {
	var (
		j         models.VideoGenerationJob
		requestID sql.NullInt64
		input     sql.NullString
		progress  sql.NullInt32
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&j.ID, &j.UserID, &requestID, &j.Provider, &j.ModelID, &j.TaskID, &j.Status, &j.Prompt, &input, &j.VideoPath, &j.ErrorMessage,
		&j.ChatID, &progress, &j.TokensCost, &j.AttemptCount, &j.MaxAttempts, &started, &completed, &j.ExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	data, err := decodeJSONColumn[any](input)
	if err != nil {
		return nil, fmt.Errorf("decode input data of job %d: %w", j.ID, err)
	}
	j.InputData = data
	j.AIRequestID = int64Ptr(requestID)
	if progress.Valid {
		id := int(progress.Int32)
		j.ProgressMessageID = &id
	}
	j.StartedProcessingAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return &j, nil
}

func (r *JobRepository) CreateJob(ctx context.Context, job *models.VideoGenerationJob) (int64, error) {
	const query = `
INSERT INTO video_generation_jobs (user_id, ai_request_id, provider, model_id, task_id, status, prompt, input_data, chat_id, progress_message_id,
    tokens_cost, attempt_count, max_attempts, expires_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	input, err := jsonColumn(job.InputData)
	if err != nil {
		return 0, fmt.Errorf("encode input data: %w", err)
	}
	var progress sql.NullInt32
	if job.ProgressMessageID != nil {
		progress = sql.NullInt32{Int32: int32(*job.ProgressMessageID), Valid: true}
	}
	now := time.Now()
	created, updated := job.CreatedAt, job.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = created
	}
	res, err := r.db.ExecContext(ctx, query,
		job.UserID, nullInt64(job.AIRequestID), job.Provider, job.ModelID, job.TaskID, job.Status, job.Prompt, input, job.ChatID, progress,
		job.TokensCost, job.AttemptCount, job.MaxAttempts, job.ExpiresAt, created, updated,
	)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job last insert id: %w", err)
	}
	return id, nil
}

func (r *JobRepository) GetJob(ctx context.Context, id int64) (*models.VideoGenerationJob, error) {
	return getJob(ctx, r.db, id)
}

func getJob(ctx context.Context, q querier, id int64) (*models.VideoGenerationJob, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM video_generation_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimJob picks the least recently touched claimable job. SKIP LOCKED lets concurrent workers
// claim different rows instead of queueing on the same one.
func (r *JobRepository) ClaimJob(ctx context.Context, c jobs.ClaimCriteria) (*models.VideoGenerationJob, error) {
	branches := []string{"status = ?"}
	args := []any{c.Now, models.JobPending}
	if !c.RepollBefore.IsZero() {
		branches = append(branches, "(status = ? AND updated_at <= ?)")
		args = append(args, models.JobTimeoutWaiting, c.RepollBefore)
	}
	if !c.StaleBefore.IsZero() {
		branches = append(branches, "(status = ? AND started_processing_at <= ?)")
		args = append(args, models.JobProcessing, c.StaleBefore)
	}
	query := `SELECT id FROM video_generation_jobs
WHERE expires_at > ? AND (` + strings.Join(branches, " OR ") + `)
ORDER BY updated_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	const claim = `
UPDATE video_generation_jobs
SET status = ?, started_processing_at = ?, attempt_count = attempt_count + 1, updated_at = ?
WHERE id = ?`
	if _, err := tx.ExecContext(ctx, claim, models.JobProcessing, c.Now, c.Now, id); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// fenced applies set to a job that is still processing under attempt.
func (r *JobRepository) fenced(ctx context.Context, op string, id int64, attempt int, set string, args ...any) (bool, error) {
	query := `UPDATE video_generation_jobs SET ` + set + ` WHERE id = ? AND status = ? AND attempt_count = ?`
	args = append(args, id, models.JobProcessing, attempt)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return affected(res)
}

func (r *JobRepository) SetTaskID(ctx context.Context, id int64, attempt int, taskID string, at time.Time) (bool, error) {
	return r.fenced(ctx, "set task id", id, attempt, "task_id = ?, updated_at = ?", taskID, at)
}

func (r *JobRepository) RequeueJob(ctx context.Context, id int64, attempt int, errMsg string, at time.Time) (bool, error) {
	return r.fenced(ctx, "requeue job", id, attempt, "status = ?, error_message = ?, updated_at = ?", models.JobPending, errMsg, at)
}

func (r *JobRepository) ParkJob(ctx context.Context, id int64, attempt int, at time.Time) (bool, error) {
	return r.fenced(ctx, "park job", id, attempt, "status = ?, updated_at = ?", models.JobTimeoutWaiting, at)
}

func (r *JobRepository) CompleteJob(ctx context.Context, id int64, attempt int, videoPath string, at time.Time) (bool, error) {
	return r.fenced(ctx, "complete job", id, attempt,
		"status = ?, video_path = ?, error_message = NULL, completed_at = ?, updated_at = ?",
		models.JobCompleted, videoPath, at, at)
}

func (r *JobRepository) FailJob(ctx context.Context, id int64, errMsg string, at time.Time) (bool, error) {
	const query = `
UPDATE video_generation_jobs
SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status NOT IN (?, ?)`
	res, err := r.db.ExecContext(ctx, query, models.JobFailed, errMsg, at, at, id, models.JobCompleted, models.JobFailed)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return affected(res)
}

func (r *JobRepository) ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]models.VideoGenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM video_generation_jobs
WHERE status NOT IN (?, ?) AND expires_at < ?
ORDER BY id ASC`
	args := []any{models.JobCompleted, models.JobFailed, now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var out []models.VideoGenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

const unrefundedRequest = `EXISTS (
  SELECT 1 FROM ai_requests a
  WHERE a.id = video_generation_jobs.ai_request_id AND a.status = 'pending' AND a.refunded_at IS NULL)`

func (r *JobRepository) ListUnrefundedJobs(ctx context.Context, limit int) ([]models.VideoGenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM video_generation_jobs
WHERE status = ? AND ` + unrefundedRequest + `
ORDER BY id ASC`
	args := []any{models.JobFailed}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unrefunded jobs: %w", err)
	}
	defer rows.Close()

	var out []models.VideoGenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM video_generation_jobs
WHERE status IN (?, ?) AND expires_at < ?
  AND NOT (status = ? AND ` + unrefundedRequest + `)`
	res, err := r.db.ExecContext(ctx, query, models.JobCompleted, models.JobFailed, before, models.JobFailed)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete finished rows affected: %w", err)
	}
	return n, nil
}
