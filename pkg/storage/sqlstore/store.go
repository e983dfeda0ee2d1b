// pkg/storage/sqlstore/store.go
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/* -------------------------------- Clients ---------------------------------- */

func (s *Store) CreateClient(ctx context.Context, c storage.Client) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO lti_clients (id, name, issuer, client_id, auth_url, token_url, jwks_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Name, c.Issuer, c.ClientID, c.AuthURL, c.TokenURL, c.JWKSURL, now, now)
	return err
}

func (s *Store) scanClient(row *sql.Row) (storage.Client, error) {
	var c storage.Client
	var created, updated int64
	err := row.Scan(&c.ID, &c.Name, &c.Issuer, &c.ClientID, &c.AuthURL, &c.TokenURL, &c.JWKSURL, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Client{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Client{}, err
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	c.UpdatedAt = time.Unix(updated, 0).UTC()
	return c, nil
}

const clientCols = `id, name, issuer, client_id, auth_url, token_url, jwks_url, created_at, updated_at`

func (s *Store) GetClient(ctx context.Context, id string) (storage.Client, error) {
	return s.scanClient(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+clientCols+` FROM lti_clients WHERE id = ?`), id))
}

func (s *Store) FindClient(ctx context.Context, iss, clientID string) (storage.Client, error) {
	return s.scanClient(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+clientCols+` FROM lti_clients WHERE issuer = ? AND client_id = ?`), iss, clientID))
}

func (s *Store) ListClients(ctx context.Context) ([]storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientCols+` FROM lti_clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Client
	for rows.Next() {
		var c storage.Client
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Issuer, &c.ClientID, &c.AuthURL, &c.TokenURL, &c.JWKSURL, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(created, 0).UTC()
		c.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE lti_clients SET name = ?, issuer = ?, client_id = ?, auth_url = ?, token_url = ?, jwks_url = ?, updated_at = ?
			 WHERE id = ?`),
			c.Name, c.Issuer, c.ClientID, c.AuthURL, c.TokenURL, c.JWKSURL, s.now().Unix(), c.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		// Re-key every derived LaunchConfig under the new identity.
		for _, d := range deps {
			if _, err := tx.ExecContext(ctx, s.rebind(
				`DELETE FROM lti_launch_configs WHERE issuer = ? AND client_id = ? AND deployment_id = ?`),
				old.Issuer, old.ClientID, d.DeploymentID); err != nil {
				return err
			}
		}
		for _, cfg := range storage.DeriveLaunchConfigs(c, deps) {
			if err := upsertLaunchConfig(ctx, tx, s, cfg); err != nil {
				return err
			}
		}
		return nil
	})
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Deployments cascade via FK; configs are keyed by identity and
		// need explicit cleanup.
		for _, d := range deps {
			if _, err := tx.ExecContext(ctx, s.rebind(
				`DELETE FROM lti_launch_configs WHERE issuer = ? AND client_id = ? AND deployment_id = ?`),
				c.Issuer, c.ClientID, d.DeploymentID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM lti_clients WHERE id = ?`), id)
		return err
	})
}

/* ------------------------------ Deployments -------------------------------- */

func (s *Store) CreateDeployment(ctx context.Context, d storage.Deployment) error {
	c, err := s.GetClient(ctx, d.ClientID)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO lti_deployments (id, client_pk, deployment_id, name, description) VALUES (?, ?, ?, ?, ?)`),
			d.ID, d.ClientID, d.DeploymentID, d.Name, d.Description); err != nil {
			return err
		}
		for _, cfg := range storage.DeriveLaunchConfigs(c, []storage.Deployment{d}) {
			if err := upsertLaunchConfig(ctx, tx, s, cfg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetDeployment(ctx context.Context, id string) (storage.Deployment, error) {
	var d storage.Deployment
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, client_pk, deployment_id, name, description FROM lti_deployments WHERE id = ?`), id).
		Scan(&d.ID, &d.ClientID, &d.DeploymentID, &d.Name, &d.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Deployment{}, storage.ErrNotFound
	}
	return d, err
}

func (s *Store) ListDeployments(ctx context.Context, clientID string) ([]storage.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, client_pk, deployment_id, name, description FROM lti_deployments WHERE client_pk = ? ORDER BY id`), clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Deployment
	for rows.Next() {
		var d storage.Deployment
		if err := rows.Scan(&d.ID, &d.ClientID, &d.DeploymentID, &d.Name, &d.Description); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE lti_deployments SET client_pk = ?, deployment_id = ?, name = ?, description = ? WHERE id = ?`),
			d.ClientID, d.DeploymentID, d.Name, d.Description, d.ID); err != nil {
			return err
		}
		if old.DeploymentID != d.DeploymentID {
			if _, err := tx.ExecContext(ctx, s.rebind(
				`DELETE FROM lti_launch_configs WHERE issuer = ? AND client_id = ? AND deployment_id = ?`),
				c.Issuer, c.ClientID, old.DeploymentID); err != nil {
				return err
			}
		}
		for _, cfg := range storage.DeriveLaunchConfigs(c, []storage.Deployment{d}) {
			if err := upsertLaunchConfig(ctx, tx, s, cfg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	d, err := s.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	c, err := s.GetClient(ctx, d.ClientID)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM lti_launch_configs WHERE issuer = ? AND client_id = ? AND deployment_id = ?`),
			c.Issuer, c.ClientID, d.DeploymentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM lti_deployments WHERE id = ?`), id)
		return err
	})
}

/* ------------------------------ LaunchConfigs ------------------------------- */

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertLaunchConfig(ctx context.Context, ex execer, s *Store, cfg storage.LaunchConfig) error {
	_, err := ex.ExecContext(ctx, s.rebind(
		`INSERT INTO lti_launch_configs (issuer, client_id, deployment_id, auth_url, token_url, jwks_url)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (issuer, client_id, deployment_id)
		 DO UPDATE SET auth_url = excluded.auth_url, token_url = excluded.token_url, jwks_url = excluded.jwks_url`),
		cfg.Issuer, cfg.ClientID, cfg.DeploymentID, cfg.AuthURL, cfg.TokenURL, cfg.JWKSURL)
	return err
}

func (s *Store) GetLaunchConfig(ctx context.Context, iss, clientID, deploymentID string) (storage.LaunchConfig, error) {
	cfg, err := s.getLaunchConfig(ctx, iss, clientID, deploymentID)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return cfg, err
	}
	if deploymentID != storage.FallbackDeploymentID {
		return s.getLaunchConfig(ctx, iss, clientID, storage.FallbackDeploymentID)
	}
	return storage.LaunchConfig{}, storage.ErrNotFound
}

func (s *Store) getLaunchConfig(ctx context.Context, iss, clientID, deploymentID string) (storage.LaunchConfig, error) {
	var cfg storage.LaunchConfig
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT issuer, client_id, deployment_id, auth_url, token_url, jwks_url
		 FROM lti_launch_configs WHERE issuer = ? AND client_id = ? AND deployment_id = ?`),
		iss, clientID, deploymentID).
		Scan(&cfg.Issuer, &cfg.ClientID, &cfg.DeploymentID, &cfg.AuthURL, &cfg.TokenURL, &cfg.JWKSURL)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.LaunchConfig{}, storage.ErrNotFound
	}
	return cfg, err
}

func (s *Store) SaveLaunchConfig(ctx context.Context, cfg storage.LaunchConfig) error {
	return upsertLaunchConfig(ctx, s.db, s, cfg)
}

/* --------------------------------- Nonces ----------------------------------- */

func (s *Store) StoreNonce(ctx context.Context, value string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO lti_nonces (value, expires_at) VALUES (?, ?)
		 ON CONFLICT (value) DO UPDATE SET expires_at = excluded.expires_at`),
		value, expiresAt.Unix())
	return err
}

// ValidateNonce consumes the nonce with a single conditional DELETE; the
// database serializes concurrent deletes of the same row, so exactly one
// caller observes RowsAffected == 1.
func (s *Store) ValidateNonce(ctx context.Context, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM lti_nonces WHERE value = ? AND expires_at > ?`),
		value, s.now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

/* -------------------------------- Sessions ---------------------------------- */

func (s *Store) AddSession(ctx context.Context, sess storage.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("sqlstore: encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO lti_sessions (id, payload, expires_at) VALUES (?, ?, ?)`),
		sess.ID, string(payload), sess.ExpiresAt.Unix())
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	var payload string
	// The WHERE clause double-checks expiry; rows the GC has not swept yet
	// are still unreadable.
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT payload FROM lti_sessions WHERE id = ? AND expires_at > ?`),
		id, s.now().Unix()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Session{}, err
	}
	var sess storage.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return storage.Session{}, fmt.Errorf("sqlstore: decode session: %w", err)
	}
	return sess, nil
}

/* --------------------------- Registration sessions --------------------------- */

func (s *Store) CreateRegistrationSession(ctx context.Context, rs storage.RegistrationSession) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO lti_registration_sessions (id, platform_config, registration_token, expires_at)
		 VALUES (?, ?, ?, ?)`),
		rs.ID, string(rs.PlatformConfig), rs.RegistrationToken, rs.ExpiresAt.Unix())
	return err
}

// ConsumeRegistrationSession reads the row, then consumes it with the same
// conditional DELETE used for nonces. The delete's row count decides who
// won: two concurrent consumers of the same id both read, but only one
// delete affects a row, so only one caller gets the session back.
func (s *Store) ConsumeRegistrationSession(ctx context.Context, id string) (storage.RegistrationSession, error) {
	var rs storage.RegistrationSession
	var cfg string
	var exp int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, platform_config, registration_token, expires_at
		 FROM lti_registration_sessions WHERE id = ? AND expires_at > ?`),
		id, s.now().Unix()).Scan(&rs.ID, &cfg, &rs.RegistrationToken, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RegistrationSession{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RegistrationSession{}, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM lti_registration_sessions WHERE id = ? AND expires_at > ?`),
		id, s.now().Unix())
	if err != nil {
		return storage.RegistrationSession{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.RegistrationSession{}, err
	}
	if n != 1 {
		return storage.RegistrationSession{}, storage.ErrNotFound
	}
	rs.PlatformConfig = json.RawMessage(cfg)
	rs.ExpiresAt = time.Unix(exp, 0).UTC()
	return rs, nil
}
