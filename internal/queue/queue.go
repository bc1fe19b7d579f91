// Package queue provides a Redis-backed job queue for generation work.
// Producers (the Discord bridge, or any other process) enqueue jobs on
// a shared list; a worker pops them, runs the pipeline, and pushes the
// result to a per-job reply list the producer blocks on.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// resultTTL is how long an unclaimed result stays in Redis. Producers
// that gave up waiting leave results behind; they expire rather than
// accumulate.
const resultTTL = 10 * time.Minute

// Job is one queued unit of work. The payload is opaque to the queue.
type Job struct {
	ID         string          `json:"id"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Result is what a worker pushes back for a job.
type Result struct {
	JobID   string          `json:"job_id"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Queue wraps the Redis lists used for jobs and results.
type Queue struct {
	client *redis.Client
	key    string
}

// New creates a queue on the given Redis client and list key.
func New(client *redis.Client, key string) *Queue {
	return &Queue{client: client, key: key}
}

// Enqueue pushes a job and returns its assigned ID.
func (q *Queue) Enqueue(ctx context.Context, payload any) (string, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	job := Job{
		ID:         uuid.NewString(),
		EnqueuedAt: time.Now().UTC(),
		Payload:    blob,
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	if err := q.client.RPush(ctx, q.key, encoded).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// Dequeue blocks up to timeout for the next job. Returns (nil, nil)
// when the timeout elapses with an empty queue.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	vals, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	// BLPOP returns [key, value].
	job := &Job{}
	if err := json.Unmarshal([]byte(vals[1]), job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func (q *Queue) resultKey(jobID string) string {
	return q.key + ":result:" + jobID
}

// PublishResult pushes a job's result to its reply list.
func (q *Queue) PublishResult(ctx context.Context, res Result) error {
	blob, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	key := q.resultKey(res.JobID)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, blob)
	pipe.Expire(ctx, key, resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish result for %s: %w", res.JobID, err)
	}
	return nil
}

// WaitResult blocks up to timeout for a job's result. Returns an error
// when the timeout elapses first.
func (q *Queue) WaitResult(ctx context.Context, jobID string, timeout time.Duration) (*Result, error) {
	vals, err := q.client.BLPop(ctx, timeout, q.resultKey(jobID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("timed out waiting for job %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("wait for job %s: %w", jobID, err)
	}

	res := &Result{}
	if err := json.Unmarshal([]byte(vals[1]), res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

// Depth returns the number of jobs currently queued.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
