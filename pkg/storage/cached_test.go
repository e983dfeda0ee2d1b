package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-tool/pkg/storage"
	"github.com/mind-engage/lti-tool/pkg/storage/memory"
)

// countingStore counts GetLaunchConfig hits on the backing store.
type countingStore struct {
	storage.Store
	lookups int
}

func (c *countingStore) GetLaunchConfig(ctx context.Context, iss, clientID, deploymentID string) (storage.LaunchConfig, error) {
	c.lookups++
	return c.Store.GetLaunchConfig(ctx, iss, clientID, deploymentID)
}

func TestCachedStorePositiveHit(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: memory.New()}
	require.NoError(t, inner.SaveLaunchConfig(ctx, storage.LaunchConfig{
		Issuer: "https://lms.example.edu", ClientID: "c1", DeploymentID: "d1",
		AuthURL: "https://lms.example.edu/auth",
	}))
	cs := storage.NewCachedStore(inner, time.Minute, time.Minute)

	for i := 0; i < 5; i++ {
		cfg, err := cs.GetLaunchConfig(ctx, "https://lms.example.edu", "c1", "d1")
		require.NoError(t, err)
		require.Equal(t, "https://lms.example.edu/auth", cfg.AuthURL)
	}
	require.Equal(t, 1, inner.lookups, "repeat lookups must be served from cache")
}

func TestCachedStoreNegativeHit(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: memory.New()}
	cs := storage.NewCachedStore(inner, time.Minute, time.Minute)

	// Unregistered platform: one store round-trip, then cached absence.
	for i := 0; i < 5; i++ {
		_, err := cs.GetLaunchConfig(ctx, "https://unknown.example.edu", "c1", "d1")
		require.ErrorIs(t, err, storage.ErrNotFound)
	}
	require.Equal(t, 1, inner.lookups, "confirmed absence must be cached too")
}

func TestCachedStoreNegativeTTLExpires(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: memory.New()}
	cs := storage.NewCachedStore(inner, time.Minute, 20*time.Millisecond)

	_, err := cs.GetLaunchConfig(ctx, "https://lms.example.edu", "c1", "d1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Late registration becomes visible once the negative entry expires.
	require.NoError(t, inner.SaveLaunchConfig(ctx, storage.LaunchConfig{
		Issuer: "https://lms.example.edu", ClientID: "c1", DeploymentID: "d1",
	}))
	time.Sleep(40 * time.Millisecond)

	_, err = cs.GetLaunchConfig(ctx, "https://lms.example.edu", "c1", "d1")
	require.NoError(t, err)
	require.Equal(t, 2, inner.lookups)
}

// midWriteStore lets a test run a read in the middle of a write, between
// the decorator's bookkeeping and the inner store commit.
type midWriteStore struct {
	storage.Store
	onSave func()
}

func (m *midWriteStore) SaveLaunchConfig(ctx context.Context, cfg storage.LaunchConfig) error {
	if m.onSave != nil {
		m.onSave()
	}
	return m.Store.SaveLaunchConfig(ctx, cfg)
}

func TestCachedStoreReadDuringWriteDoesNotPinStaleConfig(t *testing.T) {
	ctx := context.Background()
	inner := &midWriteStore{Store: memory.New()}
	cs := storage.NewCachedStore(inner, time.Minute, time.Minute)

	require.NoError(t, inner.Store.SaveLaunchConfig(ctx, storage.LaunchConfig{
		Issuer: "https://lms.example.edu", ClientID: "c1", DeploymentID: "d1",
		AuthURL: "https://old.example.edu/auth",
	}))

	// A reader racing the update re-caches the pre-update value while the
	// inner write is still in flight; the post-write flush must evict it.
	inner.onSave = func() {
		_, _ = cs.GetLaunchConfig(ctx, "https://lms.example.edu", "c1", "d1")
	}
	require.NoError(t, cs.SaveLaunchConfig(ctx, storage.LaunchConfig{
		Issuer: "https://lms.example.edu", ClientID: "c1", DeploymentID: "d1",
		AuthURL: "https://new.example.edu/auth",
	}))

	cfg, err := cs.GetLaunchConfig(ctx, "https://lms.example.edu", "c1", "d1")
	require.NoError(t, err)
	require.Equal(t, "https://new.example.edu/auth", cfg.AuthURL)
}

func TestCachedStoreWriteInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: memory.New()}
	cs := storage.NewCachedStore(inner, time.Minute, time.Minute)

	require.NoError(t, inner.SaveLaunchConfig(ctx, storage.LaunchConfig{
		Issuer: "https://lms.example.edu", ClientID: "c1", DeploymentID: "d1",
		AuthURL: "https://old.example.edu/auth",
	}))
	_, err := cs.GetLaunchConfig(ctx, "https://lms.example.edu", "c1", "d1")
	require.NoError(t, err)

	require.NoError(t, cs.SaveLaunchConfig(ctx, storage.LaunchConfig{
		Issuer: "https://lms.example.edu", ClientID: "c1", DeploymentID: "d1",
		AuthURL: "https://new.example.edu/auth",
	}))

	cfg, err := cs.GetLaunchConfig(ctx, "https://lms.example.edu", "c1", "d1")
	require.NoError(t, err)
	require.Equal(t, "https://new.example.edu/auth", cfg.AuthURL)
}
