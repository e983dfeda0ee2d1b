// pkg/tool/keyset.go
package tool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

/*
Remote key-set cache.

Each registered Platform publishes its public keys at a JWKS URL. Launch
verification needs those keys on every request, so we keep one
process-lifetime jwk.Cache and register JWKS URLs lazily the first time a
Platform launches. The cache refreshes itself in the background per the
endpoint's cache headers; concurrent lookups are safe.
*/

const keySetRegisterTimeout = 5 * time.Second

// RemoteKeySets caches remote JWKS documents keyed by URL and resolves
// signing keys for id_token verification.
type RemoteKeySets struct {
	cache *jwk.Cache

	mu         sync.Mutex
	registered map[string]struct{}
}

// NewRemoteKeySets creates the cache. ctx bounds the lifetime of the
// background refresher; httpClient may be nil for http.DefaultClient.
func NewRemoteKeySets(ctx context.Context, httpClient *http.Client) (*RemoteKeySets, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("tool: create jwks cache: %w", err)
	}
	return &RemoteKeySets{
		cache:      cache,
		registered: make(map[string]struct{}),
	}, nil
}

// ensureRegistered registers jwksURL with the cache the first time it is
// seen. Failed registrations are not recorded, so a platform whose JWKS
// endpoint was down at first launch is retried on the next one.
func (r *RemoteKeySets) ensureRegistered(ctx context.Context, jwksURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registered[jwksURL]; ok {
		return nil
	}
	regCtx, cancel := context.WithTimeout(ctx, keySetRegisterTimeout)
	defer cancel()
	if err := r.cache.Register(regCtx, jwksURL); err != nil {
		return err
	}
	r.registered[jwksURL] = struct{}{}
	return nil
}

// Keyfunc returns a golang-jwt key resolver backed by the cached JWKS at
// jwksURL. Only RSA signatures are accepted; the key is selected by the
// token's kid header.
func (r *RemoteKeySets) Keyfunc(ctx context.Context, jwksURL string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		if err := r.ensureRegistered(ctx, jwksURL); err != nil {
			return nil, protoErr(KindKeySetUnavailable, "launch.keyset", "register "+jwksURL, err)
		}
		set, err := r.cache.Lookup(ctx, jwksURL)
		if err != nil {
			return nil, protoErr(KindKeySetUnavailable, "launch.keyset", "lookup "+jwksURL, err)
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("kid %q not found in %s", kid, jwksURL)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("export jwk %q: %w", kid, err)
		}
		return raw, nil
	}
}
