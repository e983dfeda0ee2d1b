// pkg/storage/storagetest/storagetest.go
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
Conformance suite for storage backends.

Every Store implementation must pass this suite unchanged; it pins down
the semantics the interface alone cannot enforce (atomic nonce
consumption, the "default" deployment fallback, identity-change
propagation, expiry double-checks). Run it from the backend's own test
file:

    func TestConformance(t *testing.T) {
        storagetest.Run(t, func(t *testing.T) storage.Store {
            return memory.New()
        })
    }
*/

// NonceRacers is how many goroutines contend for one nonce in the race test.
const NonceRacers = 32

func sampleClient(id string) storage.Client {
	return storage.Client{
		ID:       id,
		Name:     "Test LMS " + id,
		Issuer:   "https://lms.example.edu",
		ClientID: "client-" + id,
		AuthURL:  "https://lms.example.edu/oidc/auth",
		TokenURL: "https://lms.example.edu/oauth/token",
		JWKSURL:  "https://lms.example.edu/.well-known/jwks.json",
	}
}

// Run executes the full conformance suite against stores built by newStore.
// Each subtest gets its own fresh store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("ClientCRUD", func(t *testing.T) {
		s := newStore(t)
		c := sampleClient("c1")
		require.NoError(t, s.CreateClient(ctx, c))

		got, err := s.GetClient(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, c.Issuer, got.Issuer)

		found, err := s.FindClient(ctx, c.Issuer, c.ClientID)
		require.NoError(t, err)
		require.Equal(t, "c1", found.ID)

		all, err := s.ListClients(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)

		_, err = s.GetClient(ctx, "nope")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeploymentDerivesLaunchConfig", func(t *testing.T) {
		s := newStore(t)
		c := sampleClient("c1")
		require.NoError(t, s.CreateClient(ctx, c))
		require.NoError(t, s.CreateDeployment(ctx, storage.Deployment{
			ID: "d1", ClientID: "c1", DeploymentID: "dep-1", Name: "Section 1",
		}))

		cfg, err := s.GetLaunchConfig(ctx, c.Issuer, c.ClientID, "dep-1")
		require.NoError(t, err)
		require.Equal(t, c.AuthURL, cfg.AuthURL)
		require.Equal(t, c.TokenURL, cfg.TokenURL)
		require.Equal(t, c.JWKSURL, cfg.JWKSURL)
		require.Equal(t, "dep-1", cfg.DeploymentID)
	})

	t.Run("LaunchConfigFallback", func(t *testing.T) {
		s := newStore(t)
		c := sampleClient("c1")
		require.NoError(t, s.CreateClient(ctx, c))
		require.NoError(t, s.CreateDeployment(ctx, storage.Deployment{
			ID: "d1", ClientID: "c1", DeploymentID: storage.FallbackDeploymentID,
		}))

		// No exact match for "section-42": the "default" config answers.
		cfg, err := s.GetLaunchConfig(ctx, c.Issuer, c.ClientID, "section-42")
		require.NoError(t, err)
		require.Equal(t, storage.FallbackDeploymentID, cfg.DeploymentID)

		// Neither exact nor default registered: confirmed absent.
		_, err = s.GetLaunchConfig(ctx, "https://other.example.edu", c.ClientID, "section-42")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ClientIdentityChangePropagates", func(t *testing.T) {
		s := newStore(t)
		c := sampleClient("c1")
		require.NoError(t, s.CreateClient(ctx, c))
		require.NoError(t, s.CreateDeployment(ctx, storage.Deployment{
			ID: "d1", ClientID: "c1", DeploymentID: "dep-1",
		}))

		c.ClientID = "client-renamed"
		require.NoError(t, s.UpdateClient(ctx, c))

		// Old identity key must be gone; stale configs deny launches.
		_, err := s.GetLaunchConfig(ctx, c.Issuer, "client-c1", "dep-1")
		require.ErrorIs(t, err, storage.ErrNotFound)

		cfg, err := s.GetLaunchConfig(ctx, c.Issuer, "client-renamed", "dep-1")
		require.NoError(t, err)
		require.Equal(t, c.AuthURL, cfg.AuthURL)
	})

	t.Run("DeploymentIDChangePropagates", func(t *testing.T) {
		s := newStore(t)
		c := sampleClient("c1")
		require.NoError(t, s.CreateClient(ctx, c))
		require.NoError(t, s.CreateDeployment(ctx, storage.Deployment{
			ID: "d1", ClientID: "c1", DeploymentID: "dep-old",
		}))
		require.NoError(t, s.UpdateDeployment(ctx, storage.Deployment{
			ID: "d1", ClientID: "c1", DeploymentID: "dep-new",
		}))

		_, err := s.GetLaunchConfig(ctx, c.Issuer, c.ClientID, "dep-old")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetLaunchConfig(ctx, c.Issuer, c.ClientID, "dep-new")
		require.NoError(t, err)
	})

	t.Run("DeleteClientCascades", func(t *testing.T) {
		s := newStore(t)
		c := sampleClient("c1")
		require.NoError(t, s.CreateClient(ctx, c))
		require.NoError(t, s.CreateDeployment(ctx, storage.Deployment{
			ID: "d1", ClientID: "c1", DeploymentID: "dep-1",
		}))
		require.NoError(t, s.DeleteClient(ctx, "c1"))

		_, err := s.GetDeployment(ctx, "d1")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetLaunchConfig(ctx, c.Issuer, c.ClientID, "dep-1")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("NonceSingleUse", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.StoreNonce(ctx, "n1", time.Now().Add(10*time.Minute)))

		ok, err := s.ValidateNonce(ctx, "n1")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.ValidateNonce(ctx, "n1")
		require.NoError(t, err)
		require.False(t, ok, "second consume must fail")

		ok, err = s.ValidateNonce(ctx, "never-stored")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("NonceExpired", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.StoreNonce(ctx, "n1", time.Now().Add(-time.Minute)))
		ok, err := s.ValidateNonce(ctx, "n1")
		require.NoError(t, err)
		require.False(t, ok, "expired nonce must not validate")
	})

	t.Run("NonceRace", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.StoreNonce(ctx, "contested", time.Now().Add(10*time.Minute)))

		var wg sync.WaitGroup
		results := make(chan bool, NonceRacers)
		for i := 0; i < NonceRacers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ValidateNonce(ctx, "contested")
				if err == nil {
					results <- ok
				}
			}()
		}
		wg.Wait()
		close(results)

		trues := 0
		for ok := range results {
			if ok {
				trues++
			}
		}
		require.Equal(t, 1, trues, "exactly one concurrent consume may succeed")
	})

	t.Run("SessionTTL", func(t *testing.T) {
		s := newStore(t)
		live := storage.Session{
			ID:        "s-live",
			User:      storage.SessionUser{ID: "u1", Roles: []string{"instructor"}},
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		}
		require.NoError(t, s.AddSession(ctx, live))
		got, err := s.GetSession(ctx, "s-live")
		require.NoError(t, err)
		require.Equal(t, "u1", got.User.ID)

		// A session already past expiry is unreadable even before any GC.
		stale := storage.Session{ID: "s-stale", CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour)}
		_ = s.AddSession(ctx, stale)
		_, err = s.GetSession(ctx, "s-stale")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("RegistrationSessionOneTimeConsume", func(t *testing.T) {
		s := newStore(t)
		rs := storage.RegistrationSession{
			ID:                "r1",
			PlatformConfig:    []byte(`{"issuer":"https://lms.example.edu"}`),
			RegistrationToken: "reg-token",
			ExpiresAt:         time.Now().Add(15 * time.Minute),
		}
		require.NoError(t, s.CreateRegistrationSession(ctx, rs))

		got, err := s.ConsumeRegistrationSession(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, "reg-token", got.RegistrationToken)

		_, err = s.ConsumeRegistrationSession(ctx, "r1")
		require.ErrorIs(t, err, storage.ErrNotFound, "consume is read-then-delete, one time")
	})

	t.Run("RegistrationSessionConsumeRace", func(t *testing.T) {
		s := newStore(t)
		rs := storage.RegistrationSession{
			ID:             "contested",
			PlatformConfig: []byte(`{"issuer":"https://lms.example.edu"}`),
			ExpiresAt:      time.Now().Add(15 * time.Minute),
		}
		require.NoError(t, s.CreateRegistrationSession(ctx, rs))

		var wg sync.WaitGroup
		results := make(chan error, NonceRacers)
		for i := 0; i < NonceRacers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ConsumeRegistrationSession(ctx, "contested")
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
			} else {
				require.ErrorIs(t, err, storage.ErrNotFound)
			}
		}
		require.Equal(t, 1, wins, "exactly one concurrent consume may succeed")
	})

	t.Run("RegistrationSessionExpired", func(t *testing.T) {
		s := newStore(t)
		rs := storage.RegistrationSession{
			ID:             "r1",
			PlatformConfig: []byte(`{}`),
			ExpiresAt:      time.Now().Add(-time.Minute),
		}
		_ = s.CreateRegistrationSession(ctx, rs)
		_, err := s.ConsumeRegistrationSession(ctx, "r1")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}
