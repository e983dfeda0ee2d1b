package tool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-tool/pkg/storage"
	"github.com/mind-engage/lti-tool/pkg/storage/memory"
)

const (
	testIssuer   = "https://lms.example.edu"
	testClientID = "client-1"
	testDeployID = "dep-1"
	testTarget   = "https://tool.example.com/content/42"
	testLaunch   = "https://tool.example.com/lti/launch"
	testAuthURL  = "https://lms.example.edu/oidc/auth"
)

var (
	testToolKey     = mustRSAKey()
	testPlatformKey = mustRSAKey()
	testRogueKey    = mustRSAKey()
)

func mustRSAKey() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}

type launchEnv struct {
	tool  *Tool
	store *memory.Store
	jwks  *httptest.Server
}

// newLaunchEnv stands up a fake platform JWKS endpoint, registers the
// platform in a memory store and builds a Tool around both.
func newLaunchEnv(t *testing.T) *launchEnv {
	t.Helper()

	jwksDoc := JWKS{Keys: []map[string]any{
		RSAPublicJWK(&testPlatformKey.PublicKey, "platform-key", "RS256"),
	}}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwksDoc)
	}))
	t.Cleanup(jwks.Close)

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateClient(ctx, storage.Client{
		ID:       "c1",
		Name:     "Example LMS",
		Issuer:   testIssuer,
		ClientID: testClientID,
		AuthURL:  testAuthURL,
		TokenURL: testIssuer + "/oauth/token",
		JWKSURL:  jwks.URL,
	}))
	require.NoError(t, store.CreateDeployment(ctx, storage.Deployment{
		ID:           "d1",
		ClientID:     "c1",
		DeploymentID: testDeployID,
	}))

	keys, err := NewKeyMaterial(testToolKey, "tool-key")
	require.NoError(t, err)

	tl, err := New(ctx, Config{
		Keys:        keys,
		Storage:     store,
		StateSecret: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	return &launchEnv{tool: tl, store: store, jwks: jwks}
}

// login runs the OIDC login initiation and returns the state and nonce
// the platform would echo back on launch.
func (e *launchEnv) login(t *testing.T) (state, nonce string) {
	t.Helper()
	redirect, err := e.tool.OIDCLogin(context.Background(), LoginRequest{
		Issuer:        testIssuer,
		ClientID:      testClientID,
		LoginHint:     "user-1",
		TargetLinkURI: testTarget,
		LaunchURL:     testLaunch,
		DeploymentID:  testDeployID,
	})
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	q := u.Query()
	return q.Get("state"), q.Get("nonce")
}

// signLaunch builds a well-formed launch id_token signed by the platform
// key. mutate, when non-nil, tweaks the claims before signing.
func signLaunch(t *testing.T, nonce string, mutate func(*LaunchClaims)) string {
	t.Helper()
	return signLaunchWith(t, testPlatformKey, "platform-key", nonce, mutate)
}

func signLaunchWith(t *testing.T, key *rsa.PrivateKey, kid, nonce string, mutate func(*LaunchClaims)) string {
	t.Helper()
	now := time.Now()
	claims := &LaunchClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{testClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Nonce:         nonce,
		Name:          "Ada Lovelace",
		MessageType:   MessageTypeResourceLink,
		Version:       LTIVersion,
		DeploymentID:  testDeployID,
		TargetLinkURI: testTarget,
		Roles:         []string{roleInstructorMembership},
	}
	if mutate != nil {
		mutate(claims)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	require.NoError(t, err)
	return raw
}

func TestLoginRedirect(t *testing.T) {
	env := newLaunchEnv(t)

	redirect, err := env.tool.OIDCLogin(context.Background(), LoginRequest{
		Issuer:        testIssuer,
		ClientID:      testClientID,
		LoginHint:     "opaque-hint",
		TargetLinkURI: testTarget,
		LaunchURL:     testLaunch,
		DeploymentID:  testDeployID,
		MessageHint:   "msg-77",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirect, testAuthURL+"?"))

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "id_token", q.Get("response_type"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "none", q.Get("prompt"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, testLaunch, q.Get("redirect_uri"))
	assert.Equal(t, "opaque-hint", q.Get("login_hint"))
	assert.Equal(t, testDeployID, q.Get("lti_deployment_id"))
	assert.Equal(t, "msg-77", q.Get("lti_message_hint"))
	assert.NotEmpty(t, q.Get("nonce"))

	// The state is a verifiable token bound to this login's parameters.
	st, err := verifyState(env.tool.StateSecret, q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, q.Get("nonce"), st.Nonce)
	assert.Equal(t, testIssuer, st.Issuer)
	assert.Equal(t, testClientID, st.ClientID)
	assert.Equal(t, testTarget, st.TargetLinkURI)
}

func TestLoginAuthURLWithQuery(t *testing.T) {
	env := newLaunchEnv(t)
	c, err := env.store.GetClient(context.Background(), "c1")
	require.NoError(t, err)
	c.AuthURL = testAuthURL + "?tenant=blue"
	require.NoError(t, env.store.UpdateClient(context.Background(), c))

	redirect, err := env.tool.OIDCLogin(context.Background(), LoginRequest{
		Issuer:        testIssuer,
		ClientID:      testClientID,
		LoginHint:     "u",
		TargetLinkURI: testTarget,
		LaunchURL:     testLaunch,
		DeploymentID:  testDeployID,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(redirect, testAuthURL+"?tenant=blue&"))
}

func TestLoginUnknownPlatform(t *testing.T) {
	env := newLaunchEnv(t)
	_, err := env.tool.OIDCLogin(context.Background(), LoginRequest{
		Issuer:        "https://other.example.edu",
		ClientID:      testClientID,
		LoginHint:     "u",
		TargetLinkURI: testTarget,
		LaunchURL:     testLaunch,
		DeploymentID:  testDeployID,
	})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestLoginMissingFields(t *testing.T) {
	env := newLaunchEnv(t)
	_, err := env.tool.OIDCLogin(context.Background(), LoginRequest{
		TargetLinkURI: testTarget,
		LaunchURL:     testLaunch,
	})
	require.Error(t, err)
	assert.Equal(t, KindSchemaValidation, KindOf(err))
	assert.Contains(t, err.Error(), "iss")
	assert.Contains(t, err.Error(), "login_hint")
}

func TestLaunchEndToEnd(t *testing.T) {
	env := newLaunchEnv(t)
	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, nil)

	sess, err := env.tool.ValidateLaunch(context.Background(), idToken, state)
	require.NoError(t, err)
	assert.True(t, sess.IsInstructor)
	assert.Equal(t, testIssuer, sess.Platform.Issuer)
	assert.Equal(t, testDeployID, sess.Platform.DeploymentID)
	assert.Equal(t, testTarget, sess.Launch.Target)

	// The session is readable back from storage.
	got, err := env.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, got.User.ID)
}

func TestLaunchFallbackDeployment(t *testing.T) {
	env := newLaunchEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateDeployment(ctx, storage.Deployment{
		ID:           "d-default",
		ClientID:     "c1",
		DeploymentID: storage.FallbackDeploymentID,
	}))

	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, func(c *LaunchClaims) {
		c.DeploymentID = "dep-not-registered"
	})

	// The unregistered deployment id resolves through the "default"
	// fallback registration.
	claims, err := env.tool.VerifyLaunch(ctx, idToken, state)
	require.NoError(t, err)
	assert.Equal(t, "dep-not-registered", claims.DeploymentID)
}

func TestLaunchReplay(t *testing.T) {
	env := newLaunchEnv(t)
	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, nil)

	ctx := context.Background()
	_, err := env.tool.VerifyLaunch(ctx, idToken, state)
	require.NoError(t, err)

	_, err = env.tool.VerifyLaunch(ctx, idToken, state)
	require.Error(t, err)
	assert.Equal(t, KindNonceReplay, KindOf(err))
}

func TestLaunchRecycledNonceDifferentPayload(t *testing.T) {
	env := newLaunchEnv(t)
	state, nonce := env.login(t)

	ctx := context.Background()
	_, err := env.tool.VerifyLaunch(ctx, signLaunch(t, nonce, nil), state)
	require.NoError(t, err)

	// A structurally different token reusing a consumed nonce is still a
	// replay; the nonce, not the token body, is the single-use credential.
	other := signLaunch(t, nonce, func(c *LaunchClaims) {
		c.Subject = "user-2"
		c.Name = "Someone Else"
	})
	_, err = env.tool.VerifyLaunch(ctx, other, state)
	require.Error(t, err)
	assert.Equal(t, KindNonceReplay, KindOf(err))
}

func TestLaunchBadSignature(t *testing.T) {
	env := newLaunchEnv(t)
	state, nonce := env.login(t)
	idToken := signLaunchWith(t, testRogueKey, "platform-key", nonce, nil)

	_, err := env.tool.VerifyLaunch(context.Background(), idToken, state)
	require.Error(t, err)
	assert.Equal(t, KindInvalidSignature, KindOf(err))
}

func TestLaunchExpiredToken(t *testing.T) {
	env := newLaunchEnv(t)
	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, func(c *LaunchClaims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	})

	_, err := env.tool.VerifyLaunch(context.Background(), idToken, state)
	require.Error(t, err)
	assert.Equal(t, KindInvalidSignature, KindOf(err))
}

func TestLaunchTamperedState(t *testing.T) {
	env := newLaunchEnv(t)
	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, nil)

	ctx := context.Background()
	_, err := env.tool.VerifyLaunch(ctx, idToken, state+"x")
	require.Error(t, err)
	assert.Equal(t, KindInvalidState, KindOf(err))

	// The state failure happened before nonce consumption, so the same
	// launch still succeeds with the untampered state.
	_, err = env.tool.VerifyLaunch(ctx, idToken, state)
	require.NoError(t, err)
}

func TestLaunchNonceMismatch(t *testing.T) {
	env := newLaunchEnv(t)
	state, _ := env.login(t)
	idToken := signLaunch(t, "some-other-nonce", nil)

	_, err := env.tool.VerifyLaunch(context.Background(), idToken, state)
	require.Error(t, err)
	assert.Equal(t, KindNonceMismatch, KindOf(err))
}

func TestLaunchSchemaValidation(t *testing.T) {
	env := newLaunchEnv(t)
	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, func(c *LaunchClaims) {
		c.Roles = nil
		c.Version = "1.1"
	})

	_, err := env.tool.VerifyLaunch(context.Background(), idToken, state)
	require.Error(t, err)
	assert.Equal(t, KindSchemaValidation, KindOf(err))
	assert.Contains(t, err.Error(), "roles")
	assert.Contains(t, err.Error(), "version")
}

func TestLaunchUnknownDeployment(t *testing.T) {
	env := newLaunchEnv(t)
	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, func(c *LaunchClaims) {
		c.DeploymentID = "dep-unknown"
	})

	// No fallback deployment is registered in this env.
	_, err := env.tool.VerifyLaunch(context.Background(), idToken, state)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestLaunchMalformedToken(t *testing.T) {
	env := newLaunchEnv(t)
	_, err := env.tool.VerifyLaunch(context.Background(), "not-a-jwt", "whatever")
	require.Error(t, err)
	assert.Equal(t, KindMalformedToken, KindOf(err))
}

func TestLaunchKeySetUnavailable(t *testing.T) {
	env := newLaunchEnv(t)
	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, nil)

	env.jwks.Close()

	_, err := env.tool.VerifyLaunch(context.Background(), idToken, state)
	require.Error(t, err)
	assert.Equal(t, KindKeySetUnavailable, KindOf(err))
}

// audienceRewriteStore returns launch configs registered for a different
// client id, exposing the audience comparison as its own failure mode.
type audienceRewriteStore struct {
	storage.Store
	clientID string
}

func (s audienceRewriteStore) GetLaunchConfig(ctx context.Context, iss, clientID, deploymentID string) (storage.LaunchConfig, error) {
	cfg, err := s.Store.GetLaunchConfig(ctx, iss, s.clientID, deploymentID)
	if err != nil {
		return storage.LaunchConfig{}, err
	}
	cfg.ClientID = "registered-client"
	return cfg, nil
}

func TestLaunchAudienceMismatch(t *testing.T) {
	env := newLaunchEnv(t)
	env.tool.Storage = audienceRewriteStore{Store: env.store, clientID: testClientID}

	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, nil)

	_, err := env.tool.VerifyLaunch(context.Background(), idToken, state)
	require.Error(t, err)
	assert.Equal(t, KindClientMismatch, KindOf(err))
}
