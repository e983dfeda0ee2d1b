package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/lti-tool/pkg/storage"
	"github.com/mind-engage/lti-tool/pkg/storage/memory"
)

func clientBody() ClientReq {
	return ClientReq{
		Name:     "Example LMS",
		Issuer:   "https://lms.example.edu",
		ClientID: "client-1",
		AuthURL:  "https://lms.example.edu/oidc/auth",
		TokenURL: "https://lms.example.edu/oauth/token",
		JWKSURL:  "https://lms.example.edu/jwks",
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestClientLifecycle(t *testing.T) {
	store := memory.New()
	h := Routes(store, nil)

	rec := doJSON(t, h, http.MethodPost, "/clients", clientBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created storage.Client
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, h, http.MethodGet, "/clients/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/clients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.Client
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	// Update changes issuer; the launch-config projection follows.
	body := clientBody()
	body.Issuer = "https://lms2.example.edu"
	rec = doJSON(t, h, http.MethodPut, "/clients/"+created.ID, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/clients/"+created.ID+"/deployments", DeploymentReq{DeploymentID: "dep-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	_, err := store.GetLaunchConfig(context.Background(), "https://lms2.example.edu", "client-1", "dep-1")
	require.NoError(t, err)

	rec = doJSON(t, h, http.MethodDelete, "/clients/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/clients/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateClientValidation(t *testing.T) {
	h := Routes(memory.New(), nil)

	body := clientBody()
	body.JWKSURL = "not-a-url"
	rec := doJSON(t, h, http.MethodPost, "/clients", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = clientBody()
	body.ClientID = ""
	rec = doJSON(t, h, http.MethodPost, "/clients", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "client_id")
}

func TestDeploymentLifecycle(t *testing.T) {
	store := memory.New()
	h := Routes(store, nil)

	rec := doJSON(t, h, http.MethodPost, "/clients", clientBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var client storage.Client
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &client))

	rec = doJSON(t, h, http.MethodPost, "/clients/"+client.ID+"/deployments", DeploymentReq{DeploymentID: "dep-1", Name: "Course A"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var dep storage.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dep))

	rec = doJSON(t, h, http.MethodPut, "/deployments/"+dep.ID, DeploymentReq{DeploymentID: "dep-renamed"})
	require.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	_, err := store.GetLaunchConfig(ctx, client.Issuer, client.ClientID, "dep-renamed")
	require.NoError(t, err)
	_, err = store.GetLaunchConfig(ctx, client.Issuer, client.ClientID, "dep-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec = doJSON(t, h, http.MethodDelete, "/deployments/"+dep.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeploymentUnknownClient(t *testing.T) {
	h := Routes(memory.New(), nil)
	rec := doJSON(t, h, http.MethodPost, "/clients/nope/deployments", DeploymentReq{DeploymentID: "dep-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	var reached bool
	h := BasicAuth("admin", hash)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reached)

	req = httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
}
