package guard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteacai/cashback-engine/ledger"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "cashback:dup:c-1:purchase:100.00", Key("c-1", "purchase", "100.00"))
}

func TestMemory_AcquireWithinWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)
	g := NewMemory().WithClock(func() time.Time { return now })

	require.NoError(t, g.Acquire(ctx, "k", 10*time.Second))

	now = now.Add(4 * time.Second)
	err := g.Acquire(ctx, "k", 10*time.Second)

	var dup *ledger.DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 6*time.Second, dup.RetryAfter)

	// Different key is independent
	assert.NoError(t, g.Acquire(ctx, "other", 10*time.Second))

	// Window elapsed
	now = now.Add(6 * time.Second)
	assert.NoError(t, g.Acquire(ctx, "k", 10*time.Second))
}

func TestMemory_Release(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()

	require.NoError(t, g.Acquire(ctx, "k", time.Minute))
	require.NoError(t, g.Release(ctx, "k"))
	assert.NoError(t, g.Acquire(ctx, "k", time.Minute))
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	g := newRedisWith(mock)

	if err := g.Acquire(ctx, "k", 10*time.Second); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if mock.ttls["k"] != 10*time.Second {
		t.Fatalf("expected ttl to be forwarded, got %s", mock.ttls["k"])
	}

	mock.remaining["k"] = 3 * time.Second
	err := g.Acquire(ctx, "k", 10*time.Second)
	var dup *ledger.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if dup.RetryAfter != 3*time.Second {
		t.Fatalf("expected retry after 3s, got %s", dup.RetryAfter)
	}

	if err := g.Release(ctx, "k"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := g.Acquire(ctx, "k", 10*time.Second); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	assert.NoError(t, g.Ping(ctx))
}

func TestRedis_ErrorsAreNotDuplicates(t *testing.T) {
	mock := newMockCmdable()
	mock.fail = errors.New("connection refused")
	g := newRedisWith(mock)

	err := g.Acquire(context.Background(), "k", time.Second)

	assert.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrDuplicate)
}

type mockCmdable struct {
	data      map[string]string
	ttls      map[string]time.Duration
	remaining map[string]time.Duration
	fail      error
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data:      make(map[string]string),
		ttls:      make(map[string]time.Duration),
		remaining: make(map[string]time.Duration),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if m.fail != nil {
		return redis.NewBoolResult(false, m.fail)
	}
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	m.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) PTTL(ctx context.Context, key string) *redis.DurationCmd {
	return redis.NewDurationResult(m.remaining[key], nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}
