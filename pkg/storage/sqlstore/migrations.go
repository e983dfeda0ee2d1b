// pkg/storage/sqlstore/migrations.go
package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// migrate applies the idempotent DDL for the Tool's storage contract.
// Timestamps are stored as unix epoch seconds so the same queries run on
// both drivers.
func (s *Store) migrate(ctx context.Context) error {
	var schema string
	switch s.driver {
	case "postgres":
		schema = schemaPostgres
	case "sqlite":
		schema = schemaSQLite
	default:
		return fmt.Errorf("sqlstore: unsupported driver %q (expected postgres|sqlite)", s.driver)
	}
	// Try the whole script first; fall back to statement-by-statement when
	// the driver rejects multi-statement execs.
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		for _, stmt := range splitSQL(schema) {
			if _, e := s.db.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("sqlstore: migration failed at %q: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_clients (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  issuer      TEXT NOT NULL,
  client_id   TEXT NOT NULL,
  auth_url    TEXT NOT NULL,
  token_url   TEXT NOT NULL,
  jwks_url    TEXT NOT NULL,
  created_at  BIGINT NOT NULL,
  updated_at  BIGINT NOT NULL,
  UNIQUE (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS lti_deployments (
  id             TEXT PRIMARY KEY,
  client_pk      TEXT NOT NULL REFERENCES lti_clients(id) ON DELETE CASCADE,
  deployment_id  TEXT NOT NULL,
  name           TEXT NOT NULL DEFAULT '',
  description    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS lti_deployments_client_idx ON lti_deployments (client_pk);

CREATE TABLE IF NOT EXISTS lti_launch_configs (
  issuer        TEXT NOT NULL,
  client_id     TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  auth_url      TEXT NOT NULL,
  token_url     TEXT NOT NULL,
  jwks_url      TEXT NOT NULL,
  PRIMARY KEY (issuer, client_id, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_nonces (
  value      TEXT PRIMARY KEY,
  expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_sessions (
  id         TEXT PRIMARY KEY,
  payload    JSONB NOT NULL,
  expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_registration_sessions (
  id                 TEXT PRIMARY KEY,
  platform_config    JSONB NOT NULL,
  registration_token TEXT NOT NULL DEFAULT '',
  expires_at         BIGINT NOT NULL
);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS lti_clients (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  issuer      TEXT NOT NULL,
  client_id   TEXT NOT NULL,
  auth_url    TEXT NOT NULL,
  token_url   TEXT NOT NULL,
  jwks_url    TEXT NOT NULL,
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL,
  UNIQUE (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS lti_deployments (
  id             TEXT PRIMARY KEY,
  client_pk      TEXT NOT NULL REFERENCES lti_clients(id) ON DELETE CASCADE,
  deployment_id  TEXT NOT NULL,
  name           TEXT NOT NULL DEFAULT '',
  description    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS lti_deployments_client_idx ON lti_deployments (client_pk);

CREATE TABLE IF NOT EXISTS lti_launch_configs (
  issuer        TEXT NOT NULL,
  client_id     TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  auth_url      TEXT NOT NULL,
  token_url     TEXT NOT NULL,
  jwks_url      TEXT NOT NULL,
  PRIMARY KEY (issuer, client_id, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_nonces (
  value      TEXT PRIMARY KEY,
  expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_sessions (
  id         TEXT PRIMARY KEY,
  payload    TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_registration_sessions (
  id                 TEXT PRIMARY KEY,
  platform_config    TEXT NOT NULL,
  registration_token TEXT NOT NULL DEFAULT '',
  expires_at         INTEGER NOT NULL
);
`

func splitSQL(s string) []string {
	raw := strings.Split(s, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part+";")
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
