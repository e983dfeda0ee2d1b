// pkg/storage/memory/memory.go
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
In-memory storage backend.

Reference implementation of the storage contract; process-local, safe for
concurrent use. Suitable for dev, tests and single-process deployments.
Expired TTL rows are rejected on read and purged opportunistically on
write; there is no background sweeper.
*/

type nonceEntry struct {
	expiresAt time.Time
}

// Store is the in-memory backend.
type Store struct {
	mu sync.Mutex

	clients       map[string]storage.Client              // internal id -> client
	deployments   map[string]storage.Deployment          // internal id -> deployment
	launchConfigs map[string]storage.LaunchConfig        // composite key -> config
	nonces        map[string]nonceEntry                  // value -> expiry
	sessions      map[string]storage.Session             // id -> session
	regSessions   map[string]storage.RegistrationSession // id -> session

	// Clock override for tests.
	Now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clients:       make(map[string]storage.Client),
		deployments:   make(map[string]storage.Deployment),
		launchConfigs: make(map[string]storage.LaunchConfig),
		nonces:        make(map[string]nonceEntry),
		sessions:      make(map[string]storage.Session),
		regSessions:   make(map[string]storage.RegistrationSession),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

/* -------------------------------- Clients ---------------------------------- */

func (s *Store) CreateClient(_ context.Context, c storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	return nil
}

func (s *Store) GetClient(_ context.Context, id string) (storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return storage.Client{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) FindClient(_ context.Context, iss, clientID string) (storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.Issuer == iss && c.ClientID == clientID {
			return c, nil
		}
	}
	return storage.Client{}, storage.ErrNotFound
}

func (s *Store) ListClients(_ context.Context) ([]storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) UpdateClient(_ context.Context, c storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.clients[c.ID]
	if !ok {
		return storage.ErrNotFound
	}
	s.clients[c.ID] = c

	// Identity change propagation: drop configs keyed by the old identity
	// and re-derive from the new one. Stale LaunchConfigs deny launches.
	deps := s.deploymentsOfLocked(c.ID)
	for _, d := range deps {
		delete(s.launchConfigs, storage.LaunchConfigKey(old.Issuer, old.ClientID, d.DeploymentID))
	}
	for _, cfg := range storage.DeriveLaunchConfigs(c, deps) {
		s.launchConfigs[cfg.Key()] = cfg
	}
	return nil
}

func (s *Store) DeleteClient(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.clients, id)
	for _, d := range s.deploymentsOfLocked(id) {
		delete(s.deployments, d.ID)
		delete(s.launchConfigs, storage.LaunchConfigKey(c.Issuer, c.ClientID, d.DeploymentID))
	}
	return nil
}

func (s *Store) deploymentsOfLocked(clientID string) []storage.Deployment {
	var out []storage.Deployment
	for _, d := range s.deployments {
		if d.ClientID == clientID {
			out = append(out, d)
		}
	}
	return out
}

/* ------------------------------ Deployments -------------------------------- */

func (s *Store) CreateDeployment(_ context.Context, d storage.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[d.ClientID]
	if !ok {
		return storage.ErrNotFound
	}
	s.deployments[d.ID] = d
	for _, cfg := range storage.DeriveLaunchConfigs(c, []storage.Deployment{d}) {
		s.launchConfigs[cfg.Key()] = cfg
	}
	return nil
}

func (s *Store) GetDeployment(_ context.Context, id string) (storage.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return storage.Deployment{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Store) ListDeployments(_ context.Context, clientID string) ([]storage.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deploymentsOfLocked(clientID), nil
}

func (s *Store) UpdateDeployment(_ context.Context, d storage.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.deployments[d.ID]
	if !ok {
		return storage.ErrNotFound
	}
	c, ok := s.clients[d.ClientID]
	if !ok {
		return storage.ErrNotFound
	}
	s.deployments[d.ID] = d
	if old.DeploymentID != d.DeploymentID {
		delete(s.launchConfigs, storage.LaunchConfigKey(c.Issuer, c.ClientID, old.DeploymentID))
	}
	for _, cfg := range storage.DeriveLaunchConfigs(c, []storage.Deployment{d}) {
		s.launchConfigs[cfg.Key()] = cfg
	}
	return nil
}

func (s *Store) DeleteDeployment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.deployments, id)
	if c, ok := s.clients[d.ClientID]; ok {
		delete(s.launchConfigs, storage.LaunchConfigKey(c.Issuer, c.ClientID, d.DeploymentID))
	}
	return nil
}

/* ------------------------------ LaunchConfigs ------------------------------- */

func (s *Store) GetLaunchConfig(_ context.Context, iss, clientID, deploymentID string) (storage.LaunchConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.launchConfigs[storage.LaunchConfigKey(iss, clientID, deploymentID)]; ok {
		return cfg, nil
	}
	// Fallback: dynamic registrations live under the synthetic "default"
	// deployment when the platform never asserted one.
	if deploymentID != storage.FallbackDeploymentID {
		if cfg, ok := s.launchConfigs[storage.LaunchConfigKey(iss, clientID, storage.FallbackDeploymentID)]; ok {
			return cfg, nil
		}
	}
	return storage.LaunchConfig{}, storage.ErrNotFound
}

func (s *Store) SaveLaunchConfig(_ context.Context, c storage.LaunchConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchConfigs[c.Key()] = c
	return nil
}

/* --------------------------------- Nonces ----------------------------------- */

func (s *Store) StoreNonce(_ context.Context, value string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// Opportunistic purge of expired nonces.
	for v, e := range s.nonces {
		if !e.expiresAt.After(now) {
			delete(s.nonces, v)
		}
	}
	s.nonces[value] = nonceEntry{expiresAt: expiresAt}
	return nil
}

// ValidateNonce consumes the nonce under the store lock: check presence,
// check expiry, delete. Concurrent callers for the same value see exactly
// one true.
func (s *Store) ValidateNonce(_ context.Context, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.nonces[value]
	if !ok {
		return false, nil
	}
	delete(s.nonces, value)
	if !e.expiresAt.After(s.now()) {
		return false, nil
	}
	return true, nil
}

/* -------------------------------- Sessions ---------------------------------- */

func (s *Store) AddSession(_ context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	// Reads double-check expiry rather than trusting sweep timing.
	if !sess.ExpiresAt.IsZero() && !sess.ExpiresAt.After(s.now()) {
		delete(s.sessions, id)
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

/* --------------------------- Registration sessions --------------------------- */

func (s *Store) CreateRegistrationSession(_ context.Context, rs storage.RegistrationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regSessions[rs.ID] = rs
	return nil
}

func (s *Store) ConsumeRegistrationSession(_ context.Context, id string) (storage.RegistrationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.regSessions[id]
	if !ok {
		return storage.RegistrationSession{}, storage.ErrNotFound
	}
	delete(s.regSessions, id)
	if !rs.ExpiresAt.After(s.now()) {
		return storage.RegistrationSession{}, storage.ErrNotFound
	}
	return rs, nil
}
