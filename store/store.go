// Package store defines the Store interface (C1): persistence of memory
// events and tasks, vector similarity search, and transactional task
// claim/complete/fail. Two backends implement it — store/pgxv5 on
// jackc/pgx/v5, store/databasesql on database/sql + lib/pq — against the
// identical schema in store/migrations.
package store

import (
	"context"
	"time"

	"github.com/aiop/operator/eventlog"
)

// Task status values. Terminal statuses are Succeeded and Failed.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Task type values — the closed dispatch set the Worker routes on.
const (
	TypeToolCall   = "tool.call"
	TypeRepoChange = "repo.change"
	TypeDocBuild   = "doc.build"
	TypePatchApply = "patch.apply"
)

// DefaultMaxAttempts is the attempts ceiling a task gets when the caller
// does not specify one.
const DefaultMaxAttempts = 3

// Task is a queued unit of work.
type Task struct {
	ID            string
	Type          string
	Payload       map[string]any
	Priority      int
	Status        string
	Attempts      int
	MaxAttempts   int
	AvailableAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LockedBy      string
	LockedAt      time.Time
	LockExpiresAt time.Time
	Result        map[string]any
	LastError     string
	RunID         string
}

// MemoryRow is the persisted form of a MemoryEvent plus retrieval fields.
type MemoryRow struct {
	ID             string
	Source         string
	Content        string
	Embedding      []float32
	EmbeddingModel string
	Tool           string
	ToolResult     map[string]any
	CreatedAt      time.Time
	// CosineSim is populated only on rows returned from SearchMemories.
	CosineSim float64
}

// NewTaskParams describes a task to enqueue.
type NewTaskParams struct {
	Type     string
	Payload  map[string]any
	Priority int
	RunID    string
	// MaxAttempts defaults to DefaultMaxAttempts when zero.
	MaxAttempts int
}

// MemoryStore is the memory-event half of Store (C1 + the eventlog write
// path's dependency).
type MemoryStore interface {
	// InsertMemory allocates an id, stamps created_at = now(), and writes
	// one row. When embedding is non-nil it must match the store's
	// configured dimension, else InsertMemory fails wrapping
	// ErrInvalidArgument.
	InsertMemory(ctx context.Context, source, content string, embedding []float32, embeddingModel, tool string, toolResult map[string]any) (string, error)

	// SearchMemories returns rows with a non-null embedding whose cosine
	// similarity to queryVec is >= minSimilarity, sorted descending by
	// similarity, truncated to topK. When includeTools is false, rows
	// whose tool is a non-empty string are excluded.
	SearchMemories(ctx context.Context, queryVec []float32, topK int, minSimilarity float64, includeTools bool) ([]MemoryRow, error)

	// GetLatestPhrase returns the most recent row whose content begins
	// with "PHRASE:", prefix stripped and trimmed. ok is false when no
	// such row exists.
	GetLatestPhrase(ctx context.Context, includeTools bool) (phrase string, ok bool, err error)

	// Ping succeeds when a trivial round-trip completes.
	Ping(ctx context.Context) error

	eventlog.TraceSource
}

// TaskStore is the task-queue half of Store (C5).
type TaskStore interface {
	// CreateTask enqueues a new task in status=queued, available
	// immediately, attempts=0.
	CreateTask(ctx context.Context, params NewTaskParams) (string, error)

	// ClaimTask atomically selects one eligible row (status=queued,
	// available_at <= now(), tie-break priority ASC then created_at ASC,
	// row-locked with SKIP LOCKED so concurrent claimers never collide;
	// a row stuck in status=running past its lock_expires_at is eligible
	// too, per the lease-expiry requirement), marks it running with a
	// fresh lease, increments attempts, and returns it. Returns (nil,
	// nil) when no candidate exists.
	ClaimTask(ctx context.Context, workerID string, lockDuration time.Duration) (*Task, error)

	// CompleteTaskSuccess marks a task succeeded, stores result, and
	// clears last_error and every lock field.
	CompleteTaskSuccess(ctx context.Context, id string, result map[string]any) error

	// CompleteTaskFailure applies the retry/terminal accounting: if
	// attempts >= max_attempts the task becomes status=failed (terminal,
	// available_at unchanged); otherwise it returns to status=queued with
	// available_at = now() + retryBackoff. last_error is always written
	// and lock fields are always cleared.
	CompleteTaskFailure(ctx context.Context, id string, errMsg string, retryBackoff time.Duration) error

	// ReapExpiredTasks returns up to limit rows stuck in status=running
	// past their lock_expires_at, for the lease-expiry reaper to inspect.
	ReapExpiredTasks(ctx context.Context, limit int) ([]Task, error)

	// RequeueExpiredTask resets an expired-lease row back to queued
	// (available immediately, lock fields cleared) without touching
	// attempts — the claim that crashed never completed.
	RequeueExpiredTask(ctx context.Context, id string) error

	// FailExpiredTask marks an expired-lease row terminally failed
	// because it already exhausted max_attempts.
	FailExpiredTask(ctx context.Context, id, errMsg string) error

	// GetTask returns a task by id, for diagnostics and tests.
	GetTask(ctx context.Context, id string) (*Task, error)
}

// LeaderStore backs the single-active-reaper gate described in the lease
// expiry design note: a TTL lease in the store, renewed by whichever
// instance holds it.
type LeaderStore interface {
	// LeaderAttemptElect tries to become leader under name. It succeeds
	// when no lease exists, the existing lease is held by instanceID, or
	// the existing lease has expired.
	LeaderAttemptElect(ctx context.Context, name, instanceID string, ttl time.Duration) (elected bool, err error)

	// LeaderAttemptReelect renews an already-held lease. It fails
	// (without error) if another instance has since taken over.
	LeaderAttemptReelect(ctx context.Context, name, instanceID string, ttl time.Duration) (reelected bool, err error)

	// LeaderResign releases the lease if instanceID currently holds it.
	LeaderResign(ctx context.Context, name, instanceID string) error
}

// Store is the full C1 contract: memory persistence, task queue, and the
// leader-election primitive the reaper needs.
type Store interface {
	MemoryStore
	TaskStore
	LeaderStore

	// Close releases underlying connections.
	Close()
}
