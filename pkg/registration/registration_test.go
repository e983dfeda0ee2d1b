package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-tool/pkg/storage"
	"github.com/mind-engage/lti-tool/pkg/storage/memory"
)

// fakePlatform serves an OpenID configuration and a registration endpoint.
func fakePlatform(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var lastAuth string
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 "https://lms.example.edu",
			"authorization_endpoint": base + "/oidc/auth",
			"token_endpoint":         base + "/oauth/token",
			"jwks_uri":               base + "/jwks",
			"registration_endpoint":  base + "/register",
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		var req clientRegistration
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "private_key_jwt", req.TokenEndpointAuthMethod)
		assert.Equal(t, "web", req.ApplicationType)
		require.NotEmpty(t, req.RedirectURIs)

		req.ClientID = "client-issued-1"
		req.LTI.DeploymentID = "dep-issued-1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(req)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base = srv.URL
	return srv, &lastAuth
}

func toolConfig() ToolConfig {
	return ToolConfig{
		ClientName:    "Example Tool",
		LoginURI:      "https://tool.example.com/lti/login",
		LaunchURI:     "https://tool.example.com/lti/launch",
		JWKSURI:       "https://tool.example.com/lti/jwks",
		Domain:        "tool.example.com",
		TargetLinkURI: "https://tool.example.com/lti/launch",
	}
}

func TestDynamicRegistrationFlow(t *testing.T) {
	platform, lastAuth := fakePlatform(t)
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	rs, err := svc.Initiate(ctx, platform.URL+"/.well-known/openid-configuration", "reg-token-1")
	require.NoError(t, err)
	assert.NotEmpty(t, rs.ID)
	assert.Equal(t, "reg-token-1", rs.RegistrationToken)

	client, err := svc.Complete(ctx, rs.ID, toolConfig())
	require.NoError(t, err)
	assert.Equal(t, "Bearer reg-token-1", *lastAuth)
	assert.Equal(t, "https://lms.example.edu", client.Issuer)
	assert.Equal(t, "client-issued-1", client.ClientID)
	assert.Equal(t, platform.URL+"/oauth/token", client.TokenURL)

	// The platform-issued deployment and the fallback both resolve.
	_, err = store.GetLaunchConfig(ctx, client.Issuer, client.ClientID, "dep-issued-1")
	require.NoError(t, err)
	cfg, err := store.GetLaunchConfig(ctx, client.Issuer, client.ClientID, "anything-else")
	require.NoError(t, err)
	assert.Equal(t, platform.URL+"/jwks", cfg.JWKSURL)
}

func TestCompleteIsOneShot(t *testing.T) {
	platform, _ := fakePlatform(t)
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	rs, err := svc.Initiate(ctx, platform.URL+"/.well-known/openid-configuration", "")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, rs.ID, toolConfig())
	require.NoError(t, err)

	_, err = svc.Complete(ctx, rs.ID, toolConfig())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInitiateRejectsIncompleteConfiguration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "https://lms.example.edu"})
	}))
	defer srv.Close()

	svc := New(memory.New(), nil)
	_, err := svc.Initiate(context.Background(), srv.URL, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration_endpoint")
}

func TestInitiateEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	svc := New(memory.New(), nil)
	_, err := svc.Initiate(context.Background(), srv.URL, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprint(http.StatusNotFound))
}

func TestCompleteValidatesToolConfig(t *testing.T) {
	svc := New(memory.New(), nil)
	_, err := svc.Complete(context.Background(), "sess-1", ToolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client name")
}
