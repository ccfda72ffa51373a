// Package jobqueue publishes booking side effects to a redis list that
// external collaborators consume.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis keys
	JobKeyPrefix     = "booking:side_effect:"
	JobQueueKey      = "booking:side_effects"
	JobProcessingKey = "booking:side_effects:processing"
	JobStatsKey      = "booking:side_effects:stats"

	JobTTL = 7 * 24 * time.Hour
)

// Queue manages side-effect jobs using Redis
type Queue struct {
	client *redis.Client
}

// NewQueue creates a new job queue on the given client
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// EnqueueJob stores the job and pushes its id onto the pending list
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    JobStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// Dequeue moves the oldest pending job to the processing list, waiting up to
// timeout. It returns nil, nil when nothing arrived in time.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	jobID, err := q.client.BLMove(ctx, JobQueueKey, JobProcessingKey, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.removeFromProcessing(ctx, jobID)
		return nil, fmt.Errorf("job data not found for ID %s: %w", jobID, err)
	}
	job.Status = JobStatusProcessing
	job.UpdatedAt = time.Now().UTC()
	q.updateJob(ctx, job)
	return job, nil
}

// Complete records the outcome of a dequeued job. A nil jobErr marks it
// completed and removes it, otherwise it stays stored as failed.
func (q *Queue) Complete(ctx context.Context, job *Job, jobErr error) {
	if jobErr != nil {
		job.MarkAsFailed(jobErr.Error())
		q.updateJob(ctx, job)
		q.updateJobStats(ctx, JobStatusFailed, 1)
	} else {
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		if err := q.client.Del(ctx, JobKeyPrefix+job.ID).Err(); err != nil {
			log.Errorf("[JobQueue] Failed to remove completed job %s: %v", job.ID, err)
		}
	}
	q.removeFromProcessing(ctx, job.ID)
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(jobData, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Stats returns queue depth and per-status counters
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[string]int64, len(raw)+2)
	for status, count := range raw {
		if n, err := json.Number(count).Int64(); err == nil {
			result[status] = n
		}
	}
	pending, err := q.client.LLen(ctx, JobQueueKey).Result()
	if err != nil {
		return nil, err
	}
	processing, err := q.client.LLen(ctx, JobProcessingKey).Result()
	if err != nil {
		return nil, err
	}
	result["queued"] = pending
	result["in_flight"] = processing
	return result, nil
}

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}
