package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/docq/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobColumns = `id, job_type, payload, owner, status, attempts, error, created_at, updated_at, started_at, completed_at`

// InsertJob persists a new pending job (source of truth).
func (s *Store) InsertJob(ctx context.Context, jobType string, payload []byte, owner string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into jobs(
id, job_type, payload, owner, status, attempts
) values ($1,$2,$3,$4,'pending',0)`,
		id, jobType, payload, owner,
	)
	return id, errors.Wrap(err, "insert job")
}

// ClaimNext atomically claims the oldest pending job for this worker:
// the conditional update is what keeps two replicas from processing
// the same job. Returns nil when nothing is pending.
func (s *Store) ClaimNext(ctx context.Context) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update jobs
   set status = 'processing',
       attempts = attempts + 1,
       started_at = now(),
       updated_at = now()
 where id = (
       select id from jobs
        where status = 'pending'
        order by created_at asc
        limit 1
          for update skip locked)
returning `+jobColumns)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, errors.Wrap(err, "claim job")
}

// MarkCompleted finishes a processing job. Terminal rows are never
// touched again: the status guard makes the transition a no-op if the
// job already left processing.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `update jobs
   set status = 'completed', completed_at = now(), updated_at = now()
 where id = $1 and status = 'processing'`, id)
	return errors.Wrap(err, "mark completed")
}

// MarkFailed records the failure reason verbatim.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.Exec(ctx, `update jobs
   set status = 'failed', error = $2, completed_at = now(), updated_at = now()
 where id = $1 and status = 'processing'`, id, reason)
	return errors.Wrap(err, "mark failed")
}

// GetJob fetches one job by id; nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, errors.Wrap(err, "get job")
}

// RequeueStale flips processing jobs whose claim is older than the
// threshold back to pending. The claim path never expires jobs on its
// own; this runs only from the operator-enabled sweep.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `update jobs
   set status = 'pending', started_at = null, updated_at = now()
 where status = 'processing' and started_at < now() - ($1::bigint * interval '1 second')`,
		int64(olderThan.Seconds()))
	if err != nil {
		return 0, errors.Wrap(err, "requeue stale")
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.JobType, &j.Payload, &j.Owner, &j.Status, &j.Attempts,
		&j.Error, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
