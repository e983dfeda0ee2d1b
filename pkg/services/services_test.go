package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-tool/pkg/storage"
	"github.com/mind-engage/lti-tool/pkg/tool"
)

// stubTokens hands out a fixed token and records the scopes asked for.
type stubTokens struct {
	token  string
	scopes []string
}

func (s *stubTokens) AccessToken(ctx context.Context, iss, clientID, deploymentID string, scopes ...string) (tool.AccessTokenResponse, error) {
	s.scopes = scopes
	return tool.AccessTokenResponse{AccessToken: s.token, TokenType: "Bearer"}, nil
}

func agsSession(lineItemsURL string, scopes ...string) storage.Session {
	s := storage.Session{
		Platform: storage.SessionPlatform{
			Issuer:       "https://lms.example.edu",
			ClientID:     "client-1",
			DeploymentID: "dep-1",
		},
	}
	s.Services.AGS = &storage.AGSService{LineItems: lineItemsURL, Scopes: scopes}
	s.IsAssignmentAndGradesAvailable = true
	return s
}

func TestAGSNotAvailable(t *testing.T) {
	_, err := NewAGS(&stubTokens{}, storage.Session{})
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestAGSPostScore(t *testing.T) {
	var gotPath, gotAuth, gotType string
	var gotScore Score
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotScore))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "tok-ags"}
	c, err := NewAGS(tokens, agsSession(srv.URL+"/ags/lineitems", ScopeScore))
	require.NoError(t, err)

	given := 8.5
	err = c.PostScore(context.Background(), srv.URL+"/ags/lineitems/42", Score{
		UserID:     "user-1",
		ScoreGiven: &given,
	})
	require.NoError(t, err)

	assert.Equal(t, "/ags/lineitems/42/scores", gotPath)
	assert.Equal(t, "Bearer tok-ags", gotAuth)
	assert.Equal(t, "application/vnd.ims.lis.v1.score+json", gotType)
	assert.Equal(t, []string{ScopeScore}, tokens.scopes)

	// Defaults filled in for a bare score.
	assert.Equal(t, "Completed", gotScore.ActivityProgress)
	assert.Equal(t, "FullyGraded", gotScore.GradingProgress)
	assert.NotEmpty(t, gotScore.Timestamp)
}

func TestAGSPostScoreRequiresUser(t *testing.T) {
	c, err := NewAGS(&stubTokens{}, agsSession("https://lms.example.edu/ags/lineitems"))
	require.NoError(t, err)
	err = c.PostScore(context.Background(), "https://lms.example.edu/ags/lineitems/1", Score{})
	assert.Error(t, err)
}

func TestAGSCreateLineItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var li LineItem
		require.NoError(t, json.NewDecoder(r.Body).Decode(&li))
		li.ID = "http://" + r.Host + "/ags/lineitems/7"
		w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(li)
	}))
	defer srv.Close()

	c, err := NewAGS(&stubTokens{token: "t"}, agsSession(srv.URL+"/ags/lineitems", ScopeLineItem))
	require.NoError(t, err)

	out, err := c.CreateLineItem(context.Background(), LineItem{
		Label:        "Quiz 1",
		ScoreMaximum: 10,
		ResourceID:   "quiz-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Quiz 1", out.Label)
	assert.NotEmpty(t, out.ID)

	_, err = c.CreateLineItem(context.Background(), LineItem{Label: "no max"})
	assert.Error(t, err)
}

func TestAGSListLineItems(t *testing.T) {
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode([]LineItem{{ID: "a"}, {ID: "b"}})
	}))
	defer server.Close()

	tokens := &stubTokens{token: "t"}
	c, err := NewAGS(tokens, agsSession(server.URL+"/lineitems", ScopeLineItemReadonly, ScopeScore))
	require.NoError(t, err)

	items, err := c.ListLineItems(context.Background(), "quiz-1", "rl-1", 50, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, []string{"quiz-1"}, gotQuery["resource_id"])
	assert.Equal(t, []string{"rl-1"}, gotQuery["resource_link_id"])
	assert.Equal(t, []string{"50"}, gotQuery["limit"])
	assert.Equal(t, []string{"2"}, gotQuery["page"])
	assert.Equal(t, []string{ScopeLineItemReadonly}, tokens.scopes)
}

func TestNRPSMembershipsPagination(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/memberships", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/vnd.ims.lti-nrps.v2.membershipcontainer+json")
		switch page {
		case "":
			w.Header().Set("Link", fmt.Sprintf(`<%s/memberships?page=2>; rel="next"`, base))
			_, _ = w.Write([]byte(`{"id":"p1","context":{"id":"course-7"},"members":[{"user_id":"u1","roles":[]}]}`))
		case "2":
			_, _ = w.Write([]byte(`{"id":"p2","context":{"id":"course-7"},"members":[{"user_id":"u2","roles":[]},{"user_id":"u3","roles":[]}]}`))
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	base = server.URL

	sess := storage.Session{
		Platform: storage.SessionPlatform{Issuer: "https://lms.example.edu", ClientID: "client-1", DeploymentID: "dep-1"},
	}
	sess.Services.NRPS = &storage.NRPSService{ContextMembershipsURL: server.URL + "/memberships"}

	tokens := &stubTokens{token: "tok-nrps"}
	c, err := NewNRPS(tokens, sess)
	require.NoError(t, err)

	members, err := c.Memberships(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "u1", members[0].UserID)
	assert.Equal(t, "u3", members[2].UserID)
	assert.Equal(t, []string{ScopeContextMembership}, tokens.scopes)
}

func TestNRPSNotAvailable(t *testing.T) {
	_, err := NewNRPS(&stubTokens{}, storage.Session{})
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestNextLink(t *testing.T) {
	assert.Equal(t, "https://x/next", nextLink([]string{`<https://x/next>; rel="next"`}))
	assert.Equal(t, "https://x/2", nextLink([]string{`<https://x/1>; rel="prev", <https://x/2>; rel="next"`}))
	assert.Equal(t, "", nextLink([]string{`<https://x/1>; rel="prev"`}))
	assert.Equal(t, "", nextLink(nil))
}

func TestBuildDeepLinkingResponse(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := tool.NewKeyMaterial(priv, "dl-key")
	require.NoError(t, err)

	sess := storage.Session{
		Platform: storage.SessionPlatform{Issuer: "https://lms.example.edu", ClientID: "client-1", DeploymentID: "dep-1"},
	}
	sess.Services.DeepLinking = &storage.DeepLinkingService{
		ReturnURL: "https://lms.example.edu/dl/return",
		Data:      "opaque-123",
	}

	resp, err := BuildDeepLinkingResponse(keys, sess, []ContentItem{
		ResourceLinkItem("Quiz 1", "https://tool.example.com/quiz/1", map[string]string{"quiz": "1"}),
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "https://lms.example.edu/dl/return", resp.ReturnURL)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(resp.JWT, claims, func(*jwt.Token) (any, error) {
		return &priv.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)

	assert.Equal(t, "dl-key", parsed.Header["kid"])
	assert.Equal(t, "client-1", claims["iss"])
	assert.Equal(t, "https://lms.example.edu", claims["aud"])
	assert.Equal(t, messageTypeDeepLinkingResponse, claims[tool.ClaimMessageType])
	assert.Equal(t, "opaque-123", claims[claimData])

	items, ok := claims[claimContentItems].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "ltiResourceLink", item["type"])
	assert.Equal(t, "Quiz 1", item["title"])
}

func TestBuildDeepLinkingResponseNotAvailable(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := tool.NewKeyMaterial(priv, "k")
	require.NoError(t, err)

	_, err = BuildDeepLinkingResponse(keys, storage.Session{}, nil, time.Now())
	assert.ErrorIs(t, err, ErrNotAvailable)
}
