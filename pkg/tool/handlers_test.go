package tool

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandlers(env *launchEnv) *Handlers {
	return &Handlers{
		Tool:      env.tool,
		LaunchURL: testLaunch,
		Log:       zerolog.Nop(),
	}
}

func TestLoginHandler(t *testing.T) {
	env := newLaunchEnv(t)
	h := newHandlers(env)

	form := url.Values{}
	form.Set("iss", testIssuer)
	form.Set("client_id", testClientID)
	form.Set("login_hint", "user-1")
	form.Set("target_link_uri", testTarget)
	form.Set("lti_deployment_id", testDeployID)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, testAuthURL+"?"))
	u, err := url.Parse(loc)
	require.NoError(t, err)
	assert.Equal(t, testLaunch, u.Query().Get("redirect_uri"))
}

func TestLaunchHandler(t *testing.T) {
	env := newLaunchEnv(t)
	h := newHandlers(env)
	state, nonce := env.login(t)
	idToken := signLaunch(t, nonce, nil)

	form := url.Values{}
	form.Set("id_token", idToken)
	form.Set("state", state)
	req := httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.String(), testTarget))
	assert.NotEmpty(t, u.Query().Get("ltiSessionId"))
}

func TestLaunchHandlerSecurityFailureIs401(t *testing.T) {
	env := newLaunchEnv(t)
	h := newHandlers(env)
	state, _ := env.login(t)
	idToken := signLaunchWith(t, testRogueKey, "platform-key", "n", nil)

	form := url.Values{}
	form.Set("id_token", idToken)
	form.Set("state", state)
	req := httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(KindInvalidSignature))
}

func TestLaunchHandlerMissingFields(t *testing.T) {
	env := newLaunchEnv(t)
	h := newHandlers(env)

	req := httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJWKSHandler(t *testing.T) {
	env := newLaunchEnv(t)
	h := newHandlers(env)

	req := httptest.NewRequest(http.MethodGet, "/jwks", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/jwk-set+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=")
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Contains(t, rec.Body.String(), `"kid":"tool-key"`)

	// Conditional GET revalidates without a body.
	req = httptest.NewRequest(http.MethodGet, "/jwks", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
}
