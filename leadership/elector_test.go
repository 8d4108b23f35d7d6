package leadership

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLeaderStore implements store.LeaderStore in memory for election tests.
type fakeLeaderStore struct {
	mu            sync.Mutex
	leader        string
	expires       time.Time
	electCalled   atomic.Int32
	reelectCalled atomic.Int32
	resignCalled  atomic.Int32
	electErr      error
	reelectErr    error
}

func (f *fakeLeaderStore) LeaderAttemptElect(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	f.electCalled.Add(1)
	if f.electErr != nil {
		return false, f.electErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leader == "" || time.Now().After(f.expires) || f.leader == instanceID {
		f.leader = instanceID
		f.expires = time.Now().Add(ttl)
		return true, nil
	}
	return false, nil
}

func (f *fakeLeaderStore) LeaderAttemptReelect(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	f.reelectCalled.Add(1)
	if f.reelectErr != nil {
		return false, f.reelectErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leader == instanceID && time.Now().Before(f.expires) {
		f.expires = time.Now().Add(ttl)
		return true, nil
	}
	return false, nil
}

func (f *fakeLeaderStore) LeaderResign(ctx context.Context, name, instanceID string) error {
	f.resignCalled.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leader == instanceID {
		f.leader = ""
		f.expires = time.Time{}
	}
	return nil
}

func testConfig() *Config {
	return &Config{
		LeaderTTL:       100 * time.Millisecond,
		ElectionPeriod:  25 * time.Millisecond,
		ReelectionDelay: 10 * time.Millisecond,
	}
}

func TestElector_StartStop(t *testing.T) {
	fs := &fakeLeaderStore{}
	e := NewElector(fs, "reaper", "instance-1", testConfig(), Callbacks{})
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("Start() second call error = %v, want ErrAlreadyStarted", err)
	}

	time.Sleep(50 * time.Millisecond)

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := e.Stop(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Stop() second call error = %v, want ErrNotStarted", err)
	}

	if fs.electCalled.Load() == 0 {
		t.Error("expected at least one election attempt")
	}
}

func TestElector_BecomesLeaderAndResigns(t *testing.T) {
	fs := &fakeLeaderStore{}
	var becameLeader, lostLeadership atomic.Bool

	e := NewElector(fs, "reaper", "instance-1", testConfig(), Callbacks{
		OnBecameLeader:   func(ctx context.Context) { becameLeader.Store(true) },
		OnLostLeadership: func(ctx context.Context) { lostLeadership.Store(true) },
	})

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !e.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if !e.IsLeader() {
		t.Fatal("expected elector to become leader")
	}
	if !becameLeader.Load() {
		t.Error("expected OnBecameLeader callback")
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !lostLeadership.Load() {
		t.Error("expected OnLostLeadership callback on stop while leader")
	}
	if fs.resignCalled.Load() == 0 {
		t.Error("expected LeaderResign to be called")
	}
}

func TestElector_SecondInstanceCannotElectWhileLeaseHeld(t *testing.T) {
	fs := &fakeLeaderStore{}
	cfg := testConfig()

	a := NewElector(fs, "reaper", "instance-a", cfg, Callbacks{})
	b := NewElector(fs, "reaper", "instance-b", cfg, Callbacks{})

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("a.Start() error = %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !a.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if !a.IsLeader() {
		t.Fatal("expected instance-a to become leader")
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("b.Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if b.IsLeader() {
		t.Fatal("instance-b should not be able to elect while instance-a holds the lease")
	}

	_ = a.Stop(ctx)
	_ = b.Stop(ctx)
}

func TestElector_LosesLeadershipWhenReelectFails(t *testing.T) {
	fs := &fakeLeaderStore{}
	cfg := testConfig()
	var lostLeadership atomic.Bool

	e := NewElector(fs, "reaper", "instance-1", cfg, Callbacks{
		OnLostLeadership: func(ctx context.Context) { lostLeadership.Store(true) },
	})

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !e.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if !e.IsLeader() {
		t.Fatal("expected elector to become leader")
	}

	fs.mu.Lock()
	fs.reelectErr = errors.New("renewal transport failure")
	fs.mu.Unlock()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && e.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if e.IsLeader() {
		t.Fatal("expected elector to lose leadership after reelect failure")
	}
	if !lostLeadership.Load() {
		t.Error("expected OnLostLeadership callback")
	}

	_ = e.Stop(ctx)
}
