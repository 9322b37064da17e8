package turnlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	mu       sync.Mutex
	values   map[string]string
	setCalls int
	failSet  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.failSet != nil {
		return redis.NewBoolResult(false, f.failSet)
	}
	if _, exists := f.values[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisAcquireAndRelease(t *testing.T) {
	client := newFakeRedis()
	locker := &Redis{Client: client, PollInterval: time.Millisecond}

	release, err := locker.Acquire(context.Background(), ConversationKey(3))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, ok := client.values["sqlchat:turnlock:conversation:3"]; !ok {
		t.Fatalf("lock key missing: %#v", client.values)
	}
	release()
	if len(client.values) != 0 {
		t.Fatalf("lock key still present after release: %#v", client.values)
	}
}

func TestRedisAcquireWaitsForHolder(t *testing.T) {
	client := newFakeRedis()
	locker := &Redis{Client: client, PollInterval: time.Millisecond}

	release, err := locker.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := locker.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	second()
	if client.setCalls < 3 {
		t.Fatalf("setCalls = %d, expected polling", client.setCalls)
	}
}

func TestRedisAcquireHonorsContext(t *testing.T) {
	client := newFakeRedis()
	client.values["sqlchat:turnlock:k"] = "someone-else"
	locker := &Redis{Client: client, PollInterval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
}

func TestRedisReleaseKeepsForeignToken(t *testing.T) {
	client := newFakeRedis()
	locker := &Redis{Client: client, PollInterval: time.Millisecond}

	release, err := locker.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	client.values["sqlchat:turnlock:k"] = "stolen-after-expiry"
	release()
	if client.values["sqlchat:turnlock:k"] != "stolen-after-expiry" {
		t.Fatal("release removed a lock held by another token")
	}
}

func TestRedisAcquirePropagatesClientError(t *testing.T) {
	client := newFakeRedis()
	client.failSet = errors.New("connection refused")
	locker := &Redis{Client: client}

	if _, err := locker.Acquire(context.Background(), "k"); err == nil {
		t.Fatal("Acquire() expected error")
	}
}
