package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/televisit/internal/callerr"
)

type memBackend struct {
	mu        sync.Mutex
	keys      map[string]string
	refreshes int
	err       error
}

func newMemBackend() *memBackend {
	return &memBackend{keys: make(map[string]string)}
}

func (b *memBackend) acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return false, b.err
	}
	if _, ok := b.keys[key]; ok {
		return false, nil
	}
	b.keys[key] = token
	return true, nil
}

func (b *memBackend) refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	return b.keys[key] == token, nil
}

func (b *memBackend) release(ctx context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keys[key] == token {
		delete(b.keys, key)
	}
	return nil
}

func (b *memBackend) refreshCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshes
}

func TestClaimIsExclusive(t *testing.T) {
	b := newMemBackend()
	c := newClaimer(b, time.Minute, clockwork.NewFakeClock(), zap.NewNop())
	ctx := context.Background()

	release, err := c.Claim(ctx, "appt-1", "s1")
	require.NoError(t, err)

	_, err = c.Claim(ctx, "appt-1", "s2")
	assert.ErrorIs(t, err, callerr.ErrAlreadyInProgress)

	other, err := c.Claim(ctx, "appt-2", "s2")
	require.NoError(t, err, "claims are per appointment")
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx), "release is idempotent")

	again, err := c.Claim(ctx, "appt-1", "s3")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestClaimBackendFailure(t *testing.T) {
	b := newMemBackend()
	b.err = errors.New("connection refused")
	c := newClaimer(b, time.Minute, clockwork.NewFakeClock(), zap.NewNop())

	_, err := c.Claim(context.Background(), "appt-1", "s1")
	assert.ErrorIs(t, err, callerr.ErrTransportFailed)
	assert.NotErrorIs(t, err, callerr.ErrAlreadyInProgress)
}

func TestClaimKeepsItselfAlive(t *testing.T) {
	b := newMemBackend()
	clock := clockwork.NewFakeClock()
	c := newClaimer(b, 30*time.Second, clock, zap.NewNop())

	release, err := c.Claim(context.Background(), "appt-1", "s1")
	require.NoError(t, err)
	clock.BlockUntil(1)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return b.refreshCount() == 1 }, time.Second, time.Millisecond)
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return b.refreshCount() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, release(context.Background()))
	assert.Empty(t, b.keys)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "call:appointment:appt-42", Key("appt-42"))
}
