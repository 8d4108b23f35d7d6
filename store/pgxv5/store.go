package pgxv5

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	operator "github.com/aiop/operator"
	"github.com/aiop/operator/eventlog"
	"github.com/aiop/operator/store"
)

// Store implements store.Store using pgx/v5.
type Store struct {
	pool        *pgxpool.Pool
	expectedDim int
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------
// Memory operations
// ---------------------------------------------------------------------

// InsertMemory allocates an id, stamps created_at = now() via the column
// default, and writes one row. A non-nil embedding must match expectedDim —
// checked here rather than left to pgvector's own rejection, so a mismatch
// surfaces as ErrInvalidArgument instead of ErrStoreUnavailable.
func (s *Store) InsertMemory(ctx context.Context, source, content string, embedding []float32, embeddingModel, tool string, toolResult map[string]any) (string, error) {
	id := uuid.New()

	if embedding != nil && len(embedding) != s.expectedDim {
		return "", fmt.Errorf("%w: embedding has dimension %d, want %d", operator.ErrInvalidArgument, len(embedding), s.expectedDim)
	}

	toolResultJSON, err := marshalNullableJSON(toolResult)
	if err != nil {
		return "", fmt.Errorf("marshal tool_result: %w", err)
	}

	var vec any
	if embedding != nil {
		vec = vectorLiteral(embedding)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO memories (id, source, content, embedding, embedding_model, tool, tool_result)
		VALUES ($1, $2, $3, $4::vector, $5, $6, $7)
	`, id, source, content, vec, nullableString(embeddingModel), nullableString(tool), toolResultJSON)
	if err != nil {
		return "", fmt.Errorf("%w: insert memory: %v", operator.ErrStoreUnavailable, err)
	}

	return id.String(), nil
}

// SearchMemories returns rows with embedding IS NOT NULL whose cosine
// similarity to queryVec is >= minSimilarity, most similar first, truncated
// to topK. Cosine distance is computed by pgvector's <=> operator;
// similarity is 1 - distance.
func (s *Store) SearchMemories(ctx context.Context, queryVec []float32, topK int, minSimilarity float64, includeTools bool) ([]store.MemoryRow, error) {
	where := "embedding IS NOT NULL"
	if !includeTools {
		where += " AND (tool IS NULL OR tool = '')"
	}

	query := fmt.Sprintf(`
		SELECT id, source, content, embedding_model, tool, tool_result, created_at,
		       1 - (embedding <=> $1::vector) AS cosine_sim
		FROM memories
		WHERE %s AND 1 - (embedding <=> $1::vector) >= $2
		ORDER BY cosine_sim DESC
		LIMIT $3
	`, where)

	rows, err := s.pool.Query(ctx, query, vectorLiteral(queryVec), minSimilarity, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: search memories: %v", operator.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var result []store.MemoryRow
	for rows.Next() {
		var row store.MemoryRow
		var embeddingModel, tool *string
		var toolResultJSON []byte

		if err := rows.Scan(&row.ID, &row.Source, &row.Content, &embeddingModel, &tool, &toolResultJSON, &row.CreatedAt, &row.CosineSim); err != nil {
			return nil, fmt.Errorf("%w: scan memory row: %v", operator.ErrStoreUnavailable, err)
		}

		row.EmbeddingModel = derefString(embeddingModel)
		row.Tool = derefString(tool)
		row.ToolResult = unmarshalNullableJSON(toolResultJSON)
		result = append(result, row)
	}

	return result, rows.Err()
}

// GetLatestPhrase returns the most recent row whose content begins with
// "PHRASE:", prefix stripped and trimmed.
func (s *Store) GetLatestPhrase(ctx context.Context, includeTools bool) (string, bool, error) {
	where := "content LIKE 'PHRASE:%'"
	if !includeTools {
		where += " AND (tool IS NULL OR tool = '')"
	}

	var content string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT content FROM memories WHERE %s ORDER BY created_at DESC LIMIT 1
	`, where)).Scan(&content)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get latest phrase: %v", operator.ErrStoreUnavailable, err)
	}

	return strings.TrimSpace(strings.TrimPrefix(content, "PHRASE:")), true, nil
}

// Ping succeeds when a trivial round-trip completes.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: ping: %v", operator.ErrUnavailable, err)
	}
	return nil
}

// ListEventRowsForRun pushes the run_id filter down to the tool_result
// expression index; eventlog.GetTrace re-validates by parsing the envelope,
// so this is a performance optimization, not a correctness dependency.
func (s *Store) ListEventRowsForRun(ctx context.Context, runID string) ([]eventlog.EventRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT created_at, tool, content
		FROM memories
		WHERE content LIKE 'EVENT:%' AND tool_result ->> 'run_id' = $1
		ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: list event rows: %v", operator.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var result []eventlog.EventRow
	for rows.Next() {
		var row eventlog.EventRow
		var tool *string
		if err := rows.Scan(&row.CreatedAt, &tool, &row.Content); err != nil {
			return nil, fmt.Errorf("%w: scan event row: %v", operator.ErrStoreUnavailable, err)
		}
		row.Tool = derefString(tool)
		result = append(result, row)
	}

	return result, rows.Err()
}

// ---------------------------------------------------------------------
// Task queue operations
// ---------------------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, params store.NewTaskParams) (string, error) {
	id := uuid.New()

	payloadJSON, err := json.Marshal(params.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	maxAttempts := params.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = store.DefaultMaxAttempts
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, type, payload, priority, max_attempts, run_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, params.Type, payloadJSON, params.Priority, maxAttempts, nullableString(params.RunID))
	if err != nil {
		return "", fmt.Errorf("%w: create task: %v", operator.ErrStoreUnavailable, err)
	}

	return id.String(), nil
}

// ClaimTask is the exactly-once claim primitive. The CTE selects the single
// best candidate — a queued row that's available, or a running row whose
// lease has expired — under FOR UPDATE SKIP LOCKED so two concurrent
// claimers never pick the same row, then the outer UPDATE marks it running
// with a fresh lease and increments attempts.
func (s *Store) ClaimTask(ctx context.Context, workerID string, lockDuration time.Duration) (*store.Task, error) {
	now := time.Now().UTC()
	lockExpiresAt := now.Add(lockDuration)

	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM tasks
			WHERE (status = 'queued' AND available_at <= now())
			   OR (status = 'running' AND lock_expires_at < now())
			ORDER BY priority ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tasks t
		SET status = 'running', locked_by = $1, locked_at = $2, lock_expires_at = $3,
		    attempts = attempts + 1, updated_at = $2
		FROM candidate
		WHERE t.id = candidate.id
		RETURNING t.id, t.type, t.payload, t.priority, t.status, t.attempts, t.max_attempts,
		          t.available_at, t.created_at, t.updated_at, t.locked_by, t.locked_at,
		          t.lock_expires_at, t.result, t.last_error, t.run_id
	`, workerID, now, lockExpiresAt)

	task, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claim task: %v", operator.ErrStoreUnavailable, err)
	}

	return task, nil
}

func (s *Store) CompleteTaskSuccess(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := marshalNullableJSON(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'succeeded', result = $2, last_error = NULL,
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, id, resultJSON)
	if err != nil {
		return fmt.Errorf("%w: complete task success: %v", operator.ErrStoreUnavailable, err)
	}

	return nil
}

// CompleteTaskFailure applies the retry/terminal accounting in a single
// statement so the attempts-vs-max_attempts comparison is atomic with the
// write: no other claimer can interleave between the read and the decision.
func (s *Store) CompleteTaskFailure(ctx context.Context, id, errMsg string, retryBackoff time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    available_at = CASE WHEN attempts >= max_attempts THEN available_at
		                         ELSE now() + make_interval(secs => $2) END,
		    last_error = $3,
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, id, retryBackoff.Seconds(), errMsg)
	if err != nil {
		return fmt.Errorf("%w: complete task failure: %v", operator.ErrStoreUnavailable, err)
	}

	return nil
}

func (s *Store) ReapExpiredTasks(ctx context.Context, limit int) ([]store.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, payload, priority, status, attempts, max_attempts,
		       available_at, created_at, updated_at, locked_by, locked_at,
		       lock_expires_at, result, last_error, run_id
		FROM tasks
		WHERE status = 'running' AND lock_expires_at < now()
		ORDER BY lock_expires_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list expired tasks: %v", operator.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var result []store.Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan expired task: %v", operator.ErrStoreUnavailable, err)
		}
		result = append(result, *task)
	}

	return result, rows.Err()
}

func (s *Store) RequeueExpiredTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'queued', available_at = now(),
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("%w: requeue expired task: %v", operator.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) FailExpiredTask(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'failed', last_error = $2,
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("%w: fail expired task: %v", operator.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, payload, priority, status, attempts, max_attempts,
		       available_at, created_at, updated_at, locked_by, locked_at,
		       lock_expires_at, result, last_error, run_id
		FROM tasks WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get task: %v", operator.ErrStoreUnavailable, err)
	}

	return task, nil
}

// ---------------------------------------------------------------------
// Leader election (backs the lease-expiry reaper's single-active gate)
// ---------------------------------------------------------------------

func (s *Store) LeaderAttemptElect(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	var leaderID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO leader_election (name, leader_id, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE
		SET leader_id = $2, expires_at = now() + make_interval(secs => $3)
		WHERE leader_election.expires_at < now() OR leader_election.leader_id = $2
		RETURNING leader_id
	`, name, instanceID, ttl.Seconds()).Scan(&leaderID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: leader elect: %v", operator.ErrStoreUnavailable, err)
	}

	return leaderID == instanceID, nil
}

func (s *Store) LeaderAttemptReelect(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	var leaderID string
	err := s.pool.QueryRow(ctx, `
		UPDATE leader_election
		SET expires_at = now() + make_interval(secs => $3)
		WHERE name = $1 AND leader_id = $2
		RETURNING leader_id
	`, name, instanceID, ttl.Seconds()).Scan(&leaderID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: leader reelect: %v", operator.ErrStoreUnavailable, err)
	}

	return true, nil
}

func (s *Store) LeaderResign(ctx context.Context, name, instanceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leader_election WHERE name = $1 AND leader_id = $2`, name, instanceID)
	if err != nil {
		return fmt.Errorf("%w: leader resign: %v", operator.ErrStoreUnavailable, err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------

// rowScanner is the slice of pgx.Row / pgx.Rows that scanTask needs.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	return scanTaskRows(row)
}

func scanTaskRows(row rowScanner) (*store.Task, error) {
	var t store.Task
	var payloadJSON, resultJSON []byte
	var lockedBy, lastError, runID *string
	var lockedAt, lockExpiresAt *time.Time

	if err := row.Scan(
		&t.ID, &t.Type, &payloadJSON, &t.Priority, &t.Status, &t.Attempts, &t.MaxAttempts,
		&t.AvailableAt, &t.CreatedAt, &t.UpdatedAt, &lockedBy, &lockedAt, &lockExpiresAt,
		&resultJSON, &lastError, &runID,
	); err != nil {
		return nil, err
	}

	t.Payload = unmarshalNullableJSON(payloadJSON)
	t.Result = unmarshalNullableJSON(resultJSON)
	t.LockedBy = derefString(lockedBy)
	t.LastError = derefString(lastError)
	t.RunID = derefString(runID)
	if lockedAt != nil {
		t.LockedAt = *lockedAt
	}
	if lockExpiresAt != nil {
		t.LockExpiresAt = *lockExpiresAt
	}

	return &t, nil
}

// vectorLiteral renders embedding as the pgvector text input format
// ("[v1,v2,...]"), avoiding a dependency on a pgvector Go codec — grounded
// on the reference Python implementation's equivalent helper.
func vectorLiteral(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func marshalNullableJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullableJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
