package pgxv5

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	operator "github.com/aiop/operator"
	opstore "github.com/aiop/operator/store"
)

// openStdlib opens a database/sql handle for the sole purpose of running
// migrations with golang-migrate's postgres driver, which wants database/sql.
func openStdlib(t *testing.T, connStr string) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "open database/sql handle")
	return db
}

// testStore spins up a postgres+pgvector container, applies the embedded
// migrations, and wraps a connection pool as a Store. Every integration test
// in this package shares this one setup helper, mirroring the teacher
// pack's config.SetupTestDatabase convention.
func testStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("operator_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "read connection string")

	sqlDB := openStdlib(t, connStr)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, opstore.Migrate(sqlDB), "apply migrations")

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err, "open pgx pool")
	t.Cleanup(pool.Close)

	return New(pool, 1024)
}

func TestStore_InsertMemory_DimensionMismatchIsInvalidArgument(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.InsertMemory(ctx, "user", "wrong size vector", make([]float32, 8), "test-embed", "", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, operator.ErrInvalidArgument))
}

func TestStore_InsertAndSearchMemories(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	vecA := make([]float32, 1024)
	vecA[0] = 1
	vecB := make([]float32, 1024)
	vecB[1] = 1

	idA, err := s.InsertMemory(ctx, "user", "remember the launch date", vecA, "test-embed", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, idA)

	_, err = s.InsertMemory(ctx, "user", "unrelated fact", vecB, "test-embed", "", nil)
	require.NoError(t, err)

	rows, err := s.SearchMemories(ctx, vecA, 5, 0.5, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, idA, rows[0].ID)
	require.InDelta(t, 1.0, rows[0].CosineSim, 0.001)
}

func TestStore_SearchMemories_ExcludesToolRowsByDefault(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	vec := make([]float32, 1024)
	vec[0] = 1

	_, err := s.InsertMemory(ctx, "tool", "tool output", vec, "test-embed", "shell.run", map[string]any{"ok": true})
	require.NoError(t, err)

	rows, err := s.SearchMemories(ctx, vec, 5, 0.0, false)
	require.NoError(t, err)
	require.Empty(t, rows)

	rows, err = s.SearchMemories(ctx, vec, 5, 0.0, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestStore_GetLatestPhrase(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, ok, err := s.GetLatestPhrase(ctx, false)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.InsertMemory(ctx, "user", "PHRASE: open the pod bay doors", nil, "", "", nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.InsertMemory(ctx, "user", "PHRASE: second phrase", nil, "", "", nil)
	require.NoError(t, err)

	phrase, ok, err := s.GetLatestPhrase(ctx, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second phrase", phrase)
}

func TestStore_ClaimTask_ExactlyOnceUnderConcurrency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := s.CreateTask(ctx, opstore.NewTaskParams{
			Type:    opstore.TypeToolCall,
			Payload: map[string]any{"i": i},
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				task, err := s.ClaimTask(ctx, fmt.Sprintf("worker-%d", worker), time.Minute)
				require.NoError(t, err)
				if task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, claimed, n)
	for id, count := range claimed {
		require.Equalf(t, 1, count, "task %s claimed %d times", id, count)
	}
}

func TestStore_CompleteTaskFailure_RetriesThenTerminates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, opstore.NewTaskParams{
		Type:        opstore.TypeToolCall,
		Payload:     map[string]any{},
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	task, err := s.ClaimTask(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, 1, task.Attempts)

	require.NoError(t, s.CompleteTaskFailure(ctx, id, "boom", time.Millisecond))
	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, opstore.StatusQueued, got.Status)

	time.Sleep(50 * time.Millisecond)
	task, err = s.ClaimTask(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, 2, task.Attempts)

	require.NoError(t, s.CompleteTaskFailure(ctx, id, "boom again", time.Millisecond))
	got, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, opstore.StatusFailed, got.Status)
	require.Equal(t, "boom again", got.LastError)
}

func TestStore_ReapExpiredTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, opstore.NewTaskParams{Type: opstore.TypeToolCall, Payload: map[string]any{}})
	require.NoError(t, err)

	task, err := s.ClaimTask(ctx, "worker-1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, task)

	time.Sleep(50 * time.Millisecond)

	expired, err := s.ReapExpiredTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, id, expired[0].ID)

	require.NoError(t, s.RequeueExpiredTask(ctx, id))
	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, opstore.StatusQueued, got.Status)
}

func TestStore_LeaderElection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	elected, err := s.LeaderAttemptElect(ctx, "reaper", "instance-a", time.Minute)
	require.NoError(t, err)
	require.True(t, elected)

	elected, err = s.LeaderAttemptElect(ctx, "reaper", "instance-b", time.Minute)
	require.NoError(t, err)
	require.False(t, elected)

	reelected, err := s.LeaderAttemptReelect(ctx, "reaper", "instance-a", time.Minute)
	require.NoError(t, err)
	require.True(t, reelected)

	require.NoError(t, s.LeaderResign(ctx, "reaper", "instance-a"))

	elected, err = s.LeaderAttemptElect(ctx, "reaper", "instance-b", time.Minute)
	require.NoError(t, err)
	require.True(t, elected)
}
