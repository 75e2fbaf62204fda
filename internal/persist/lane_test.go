package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"homedir/internal/storage"
	logx "homedir/pkg/logx"
)

// gateStore blocks every write until release is closed.
type gateStore struct {
	*storage.Memory
	release chan struct{}
}

func (g *gateStore) PutUser(ctx context.Context, userID string, body []byte) error {
	<-g.release
	return g.Memory.PutUser(ctx, userID, body)
}

type failStore struct {
	*storage.Memory
}

func (failStore) PutUser(context.Context, string, []byte) error { return errors.New("disk on fire") }

func TestSubmitNeverBlocks(t *testing.T) {
	t.Parallel()
	st := &gateStore{Memory: storage.NewMemory(), release: make(chan struct{})}
	l := New(st, Config{QueueSize: 2}, logx.Nop())
	l.Start(context.Background())

	start := time.Now()
	var accepted, full int
	for i := 0; i < 10; i++ {
		switch err := l.Submit(Job{Kind: KindUser, UserID: "u", Body: []byte(`{}`)}); {
		case err == nil:
			accepted++
		case errors.Is(err, ErrQueueFull):
			full++
		default:
			t.Fatalf("Submit: unexpected error %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Submit stalled for %v", elapsed)
	}
	// two queued plus at most one held by the blocked worker
	if accepted < 2 || accepted > 3 {
		t.Fatalf("accepted = %d, want 2..3", accepted)
	}
	if full != 10-accepted {
		t.Fatalf("full = %d, want %d", full, 10-accepted)
	}

	close(st.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.Stop(ctx)

	s := l.Stats()
	if s.Written != uint64(accepted) {
		t.Fatalf("Written = %d, want %d", s.Written, accepted)
	}
	if s.Rejected != uint64(full) {
		t.Fatalf("Rejected = %d, want %d", s.Rejected, full)
	}
	if err := l.Submit(Job{Kind: KindUser, UserID: "u"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop err = %v, want ErrStopped", err)
	}
}

func TestWriteFailureIsCountedAndReported(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		failed []string
	)
	l := New(failStore{storage.NewMemory()}, Config{QueueSize: 4}, logx.Nop(),
		WithOnFailure(func(j Job, err error) {
			mu.Lock()
			failed = append(failed, j.UserID)
			mu.Unlock()
		}),
	)
	l.Start(context.Background())
	for _, u := range []string{"a", "b"} {
		if err := l.Submit(Job{Kind: KindUser, UserID: u, Body: []byte(`{}`)}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := l.Submit(Job{Kind: KindGlobal, Body: []byte(`[]`)}); err != nil {
		t.Fatalf("Submit global: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.Stop(ctx)

	s := l.Stats()
	if s.Failed != 2 || s.Written != 1 {
		t.Fatalf("stats = %+v, want 2 failed 1 written", s)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 2 {
		t.Fatalf("failure callback calls = %v", failed)
	}
}

func TestLaneWithoutStore(t *testing.T) {
	t.Parallel()
	l := New(nil, Config{}, logx.Nop())
	l.Start(context.Background())
	if err := l.Submit(Job{Kind: KindUser, UserID: "u"}); !errors.Is(err, ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
	l.Stop(context.Background())
}

// flakyStore fails the first n writes.
type flakyStore struct {
	*storage.Memory
	mu sync.Mutex
	n  int
}

func (f *flakyStore) PutUser(ctx context.Context, userID string, body []byte) error {
	f.mu.Lock()
	if f.n > 0 {
		f.n--
		f.mu.Unlock()
		return errors.New("transient")
	}
	f.mu.Unlock()
	return f.Memory.PutUser(ctx, userID, body)
}

func TestWriteRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	st := &flakyStore{Memory: storage.NewMemory(), n: 2}
	l := New(st, Config{QueueSize: 4, Retries: 3, RetryBase: time.Millisecond}, logx.Nop())
	l.Start(context.Background())
	if err := l.Submit(Job{Kind: KindUser, UserID: "u", Body: []byte(`{"user_id":"u"}`)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.Stop(ctx)

	s := l.Stats()
	if s.Written != 1 || s.Failed != 0 || s.Retried != 2 {
		t.Fatalf("stats = %+v, want 1 written after 2 retries", s)
	}
	if string(st.User("u")) != `{"user_id":"u"}` {
		t.Fatalf("stored body = %s", st.User("u"))
	}
}
