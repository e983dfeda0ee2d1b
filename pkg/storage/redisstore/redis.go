// pkg/storage/redisstore/redis.go
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
Redis storage backend.

Registry entities (clients, deployments, launch configs) live in hashes so
they can be listed; TTL-bearing entities (nonces, sessions, registration
sessions) are plain keys with native Redis expiry.

Nonce consumption maps onto GETDEL: Redis executes it atomically, so two
concurrent consumers of the same value cannot both succeed, and an expired
key is already gone. StoreNonce is SETNX with TTL.
*/

const (
	hClients       = "lti:clients"
	hDeployments   = "lti:deployments"
	hLaunchConfigs = "lti:launch_configs"
	kNonce         = "lti:nonce:"
	kSession       = "lti:session:"
	kRegSession    = "lti:regsession:"
)

// Store is the Redis-backed storage contract implementation.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client and verifies connectivity.
func New(ctx context.Context, rdb *redis.Client) (*Store, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

/* -------------------------------- Clients ---------------------------------- */

func (s *Store) CreateClient(ctx context.Context, c storage.Client) error {
	return s.rdb.HSet(ctx, hClients, c.ID, marshal(c)).Err()
}

func (s *Store) GetClient(ctx context.Context, id string) (storage.Client, error) {
	raw, err := s.rdb.HGet(ctx, hClients, id).Result()
	if err == redis.Nil {
		return storage.Client{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Client{}, err
	}
	var c storage.Client
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return storage.Client{}, fmt.Errorf("redisstore: decode client: %w", err)
	}
	return c, nil
}

func (s *Store) FindClient(ctx context.Context, iss, clientID string) (storage.Client, error) {
	all, err := s.ListClients(ctx)
	if err != nil {
		return storage.Client{}, err
	}
	for _, c := range all {
		if c.Issuer == iss && c.ClientID == clientID {
			return c, nil
		}
	}
	return storage.Client{}, storage.ErrNotFound
}

func (s *Store) ListClients(ctx context.Context) ([]storage.Client, error) {
	m, err := s.rdb.HGetAll(ctx, hClients).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.Client, 0, len(m))
	for _, raw := range m {
		var c storage.Client
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("redisstore: decode client: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) UpdateClient(ctx context.Context, c storage.Client) error {
	old, err := s.GetClient(ctx, c.ID)
	if err != nil {
		return err
	}
	deps, err := s.ListDeployments(ctx, c.ID)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, hClients, c.ID, marshal(c))
	for _, d := range deps {
		pipe.HDel(ctx, hLaunchConfigs, storage.LaunchConfigKey(old.Issuer, old.ClientID, d.DeploymentID))
	}
	for _, cfg := range storage.DeriveLaunchConfigs(c, deps) {
		pipe.HSet(ctx, hLaunchConfigs, cfg.Key(), marshal(cfg))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) DeleteClient(ctx context.Context, id string) error {
	c, err := s.GetClient(ctx, id)
	if err != nil {
		return err
	}
	deps, err := s.ListDeployments(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, hClients, id)
	for _, d := range deps {
		pipe.HDel(ctx, hDeployments, d.ID)
		pipe.HDel(ctx, hLaunchConfigs, storage.LaunchConfigKey(c.Issuer, c.ClientID, d.DeploymentID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

/* ------------------------------ Deployments -------------------------------- */

func (s *Store) CreateDeployment(ctx context.Context, d storage.Deployment) error {
	c, err := s.GetClient(ctx, d.ClientID)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, hDeployments, d.ID, marshal(d))
	for _, cfg := range storage.DeriveLaunchConfigs(c, []storage.Deployment{d}) {
		pipe.HSet(ctx, hLaunchConfigs, cfg.Key(), marshal(cfg))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetDeployment(ctx context.Context, id string) (storage.Deployment, error) {
	raw, err := s.rdb.HGet(ctx, hDeployments, id).Result()
	if err == redis.Nil {
		return storage.Deployment{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Deployment{}, err
	}
	var d storage.Deployment
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return storage.Deployment{}, fmt.Errorf("redisstore: decode deployment: %w", err)
	}
	return d, nil
}

func (s *Store) ListDeployments(ctx context.Context, clientID string) ([]storage.Deployment, error) {
	m, err := s.rdb.HGetAll(ctx, hDeployments).Result()
	if err != nil {
		return nil, err
	}
	var out []storage.Deployment
	for _, raw := range m {
		var d storage.Deployment
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("redisstore: decode deployment: %w", err)
		}
		if d.ClientID == clientID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) UpdateDeployment(ctx context.Context, d storage.Deployment) error {
	old, err := s.GetDeployment(ctx, d.ID)
	if err != nil {
		return err
	}
	c, err := s.GetClient(ctx, d.ClientID)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, hDeployments, d.ID, marshal(d))
	if old.DeploymentID != d.DeploymentID {
		pipe.HDel(ctx, hLaunchConfigs, storage.LaunchConfigKey(c.Issuer, c.ClientID, old.DeploymentID))
	}
	for _, cfg := range storage.DeriveLaunchConfigs(c, []storage.Deployment{d}) {
		pipe.HSet(ctx, hLaunchConfigs, cfg.Key(), marshal(cfg))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	d, err := s.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, hDeployments, id)
	if c, cerr := s.GetClient(ctx, d.ClientID); cerr == nil {
		pipe.HDel(ctx, hLaunchConfigs, storage.LaunchConfigKey(c.Issuer, c.ClientID, d.DeploymentID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

/* ------------------------------ LaunchConfigs ------------------------------- */

func (s *Store) GetLaunchConfig(ctx context.Context, iss, clientID, deploymentID string) (storage.LaunchConfig, error) {
	cfg, err := s.getLaunchConfig(ctx, storage.LaunchConfigKey(iss, clientID, deploymentID))
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return cfg, err
	}
	if deploymentID != storage.FallbackDeploymentID {
		return s.getLaunchConfig(ctx, storage.LaunchConfigKey(iss, clientID, storage.FallbackDeploymentID))
	}
	return storage.LaunchConfig{}, storage.ErrNotFound
}

func (s *Store) getLaunchConfig(ctx context.Context, key string) (storage.LaunchConfig, error) {
	raw, err := s.rdb.HGet(ctx, hLaunchConfigs, key).Result()
	if err == redis.Nil {
		return storage.LaunchConfig{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LaunchConfig{}, err
	}
	var cfg storage.LaunchConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return storage.LaunchConfig{}, fmt.Errorf("redisstore: decode launch config: %w", err)
	}
	return cfg, nil
}

func (s *Store) SaveLaunchConfig(ctx context.Context, c storage.LaunchConfig) error {
	return s.rdb.HSet(ctx, hLaunchConfigs, c.Key(), marshal(c)).Err()
}

/* --------------------------------- Nonces ----------------------------------- */

func (s *Store) StoreNonce(ctx context.Context, value string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil // already expired; nothing to store
	}
	return s.rdb.SetNX(ctx, kNonce+value, "1", ttl).Err()
}

func (s *Store) ValidateNonce(ctx context.Context, value string) (bool, error) {
	// GETDEL is a single atomic read-and-remove; expired keys are gone.
	_, err := s.rdb.GetDel(ctx, kNonce+value).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

/* -------------------------------- Sessions ---------------------------------- */

func (s *Store) AddSession(ctx context.Context, sess storage.Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, kSession+sess.ID, marshal(sess), ttl).Err()
}

func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	raw, err := s.rdb.Get(ctx, kSession+id).Result()
	if err == redis.Nil {
		return storage.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Session{}, err
	}
	var sess storage.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return storage.Session{}, fmt.Errorf("redisstore: decode session: %w", err)
	}
	// Re-check the payload's own deadline in addition to the Redis TTL.
	if !sess.ExpiresAt.IsZero() && !sess.ExpiresAt.After(time.Now().UTC()) {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

/* --------------------------- Registration sessions --------------------------- */

func (s *Store) CreateRegistrationSession(ctx context.Context, rs storage.RegistrationSession) error {
	ttl := time.Until(rs.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, kRegSession+rs.ID, marshal(rs), ttl).Err()
}

func (s *Store) ConsumeRegistrationSession(ctx context.Context, id string) (storage.RegistrationSession, error) {
	raw, err := s.rdb.GetDel(ctx, kRegSession+id).Result()
	if err == redis.Nil {
		return storage.RegistrationSession{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RegistrationSession{}, err
	}
	var rs storage.RegistrationSession
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return storage.RegistrationSession{}, fmt.Errorf("redisstore: decode registration session: %w", err)
	}
	if !rs.ExpiresAt.After(time.Now().UTC()) {
		return storage.RegistrationSession{}, storage.ErrNotFound
	}
	return rs, nil
}
