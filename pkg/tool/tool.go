// pkg/tool/tool.go
package tool

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
Tool facade for LTI 1.3.

One explicitly constructed Tool instance owns everything the protocol
operations need: key material, the storage backend, the remote key-set
cache and the shared secrets. Pass it around; there are no package-level
singletons.

How to wire:

    store := memory.New()
    keys, _ := tool.KeyMaterialFromPEM(pemBytes, "main")
    t, _ := tool.New(ctx, tool.Config{
        Keys:        keys,
        Storage:     store,
        StateSecret: []byte(secret), // >= 32 bytes recommended
    })

    redirect, _ := t.OIDCLogin(ctx, req)       // login initiation
    sess, _ := t.ValidateLaunch(ctx, tok, st)  // launch POST
    jwks := t.JWKS()                           // GET jwks document
*/

// DefaultNonceTTL is the lifetime of a login nonce.
const DefaultNonceTTL = 600 * time.Second

// Config carries the construction inputs for a Tool.
type Config struct {
	Keys    *KeyMaterial
	Storage storage.Store

	// StateSecret signs state tokens (HMAC). 32+ bytes recommended.
	StateSecret []byte

	// Optional overrides.
	NonceTTL   time.Duration // default 600s
	StateTTL   time.Duration // default 600s
	SessionTTL time.Duration // default 24h
	HTTP       *http.Client  // outbound calls (JWKS fetch, token endpoint)
	Now        func() time.Time
}

// Tool is the dependency-injected context for every protocol operation.
type Tool struct {
	Keys    *KeyMaterial
	Storage storage.Store
	KeySets *RemoteKeySets

	StateSecret []byte
	NonceTTL    time.Duration
	StateTTL    time.Duration
	SessionTTL  time.Duration

	HTTP *http.Client
	Now  func() time.Time
}

// New constructs a Tool. ctx bounds the key-set cache's background
// refresher lifetime.
func New(ctx context.Context, cfg Config) (*Tool, error) {
	if cfg.Keys == nil {
		return nil, errors.New("tool: key material is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("tool: storage is required")
	}
	if len(cfg.StateSecret) == 0 {
		return nil, errors.New("tool: state secret is required")
	}
	keySets, err := NewRemoteKeySets(ctx, cfg.HTTP)
	if err != nil {
		return nil, err
	}
	return &Tool{
		Keys:        cfg.Keys,
		Storage:     cfg.Storage,
		KeySets:     keySets,
		StateSecret: cfg.StateSecret,
		NonceTTL:    cfg.NonceTTL,
		StateTTL:    cfg.StateTTL,
		SessionTTL:  cfg.SessionTTL,
		HTTP:        cfg.HTTP,
		Now:         cfg.Now,
	}, nil
}

// JWKS returns the Tool's public key set document.
func (t *Tool) JWKS() JWKS { return t.Keys.PublicJWKS() }

func (t *Tool) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

func (t *Tool) nonceTTL() time.Duration {
	if t.NonceTTL > 0 {
		return t.NonceTTL
	}
	return DefaultNonceTTL
}

func (t *Tool) stateTTL() time.Duration {
	if t.StateTTL > 0 {
		return t.StateTTL
	}
	return DefaultStateTTL
}

func (t *Tool) httpClient() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}
