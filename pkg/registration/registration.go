// pkg/registration/registration.go
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
LTI Dynamic Registration (1EdTech spec).

Two-step flow driven by the platform opening our registration UI:

  1. Initiate: fetch the platform's OpenID configuration document, park it
     together with the optional registration token in a one-time
     RegistrationSession. The admin reviews what is about to be registered.
  2. Complete: consume the session (exactly once), POST the tool's client
     registration to the platform's registration_endpoint, then persist
     the resulting Client plus a Deployment under the "default" id so
     launches work before any specific deployment is configured.
*/

// SessionTTL is how long a pending registration stays completable.
const SessionTTL = 15 * time.Minute

// platformConfiguration is the subset of the platform's OpenID
// configuration document the flow needs.
type platformConfiguration struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
}

func (c platformConfiguration) validate() error {
	var missing []string
	if c.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if c.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if c.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if c.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if c.RegistrationEndpoint == "" {
		missing = append(missing, "registration_endpoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("registration: platform configuration missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ToolConfig describes this Tool to the platform being registered.
type ToolConfig struct {
	ClientName    string
	LoginURI      string // OIDC login initiation endpoint
	LaunchURI     string // redirect/launch endpoint
	JWKSURI       string
	Domain        string // host the platform will allow launches to
	TargetLinkURI string
	Custom        map[string]string
	Scopes        []string // service scopes to request, space-joined
}

func (c ToolConfig) validate() error {
	var missing []string
	if c.ClientName == "" {
		missing = append(missing, "client name")
	}
	if c.LoginURI == "" {
		missing = append(missing, "login uri")
	}
	if c.LaunchURI == "" {
		missing = append(missing, "launch uri")
	}
	if c.JWKSURI == "" {
		missing = append(missing, "jwks uri")
	}
	if c.TargetLinkURI == "" {
		missing = append(missing, "target link uri")
	}
	if len(missing) > 0 {
		return fmt.Errorf("registration: tool config missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ltiToolConfiguration is the LTI-specific block of the client
// registration request/response.
type ltiToolConfiguration struct {
	Domain        string            `json:"domain"`
	TargetLinkURI string            `json:"target_link_uri"`
	Claims        []string          `json:"claims,omitempty"`
	Messages      []ltiMessage      `json:"messages,omitempty"`
	Custom        map[string]string `json:"custom_parameters,omitempty"`
	DeploymentID  string            `json:"deployment_id,omitempty"` // response only
}

type ltiMessage struct {
	Type          string `json:"type"`
	TargetLinkURI string `json:"target_link_uri,omitempty"`
	Label         string `json:"label,omitempty"`
}

// clientRegistration is the OIDC client registration request/response body.
type clientRegistration struct {
	ClientID                string               `json:"client_id,omitempty"` // response only
	ApplicationType         string               `json:"application_type"`
	GrantTypes              []string             `json:"grant_types"`
	ResponseTypes           []string             `json:"response_types"`
	RedirectURIs            []string             `json:"redirect_uris"`
	InitiateLoginURI        string               `json:"initiate_login_uri"`
	ClientName              string               `json:"client_name"`
	JWKSURI                 string               `json:"jwks_uri"`
	TokenEndpointAuthMethod string               `json:"token_endpoint_auth_method"`
	Scope                   string               `json:"scope,omitempty"`
	LTI                     ltiToolConfiguration `json:"https://purl.imsglobal.org/spec/lti-tool-configuration"`
}

// Service runs the dynamic registration flow against a Store.
type Service struct {
	HTTP  *http.Client
	Store storage.Store
	Now   func() time.Time
}

// New builds a registration Service. A nil client gets a 15s-timeout default.
func New(store storage.Store, httpClient *http.Client) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Service{HTTP: httpClient, Store: store}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Initiate fetches the platform's OpenID configuration and parks it in a
// one-time RegistrationSession. Returns the session for the admin UI to
// display and later complete.
func (s *Service) Initiate(ctx context.Context, openidConfigURL, registrationToken string) (storage.RegistrationSession, error) {
	var zero storage.RegistrationSession

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, openidConfigURL, nil)
	if err != nil {
		return zero, fmt.Errorf("registration: build config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return zero, fmt.Errorf("registration: fetch platform configuration: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return zero, fmt.Errorf("registration: platform configuration endpoint returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return zero, fmt.Errorf("registration: read platform configuration: %w", err)
	}
	var cfg platformConfiguration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return zero, fmt.Errorf("registration: parse platform configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return zero, err
	}

	rs := storage.RegistrationSession{
		ID:                uuid.NewString(),
		PlatformConfig:    raw,
		RegistrationToken: registrationToken,
		ExpiresAt:         s.now().Add(SessionTTL),
	}
	if err := s.Store.CreateRegistrationSession(ctx, rs); err != nil {
		return zero, fmt.Errorf("registration: persist session: %w", err)
	}
	return rs, nil
}

// Complete consumes the RegistrationSession, registers the tool with the
// platform and persists the resulting Client together with its fallback
// "default" Deployment. A second Complete with the same session id fails
// with storage.ErrNotFound.
func (s *Service) Complete(ctx context.Context, sessionID string, tc ToolConfig) (storage.Client, error) {
	var zero storage.Client

	if err := tc.validate(); err != nil {
		return zero, err
	}

	rs, err := s.Store.ConsumeRegistrationSession(ctx, sessionID)
	if err != nil {
		return zero, err
	}
	var cfg platformConfiguration
	if err := json.Unmarshal(rs.PlatformConfig, &cfg); err != nil {
		return zero, fmt.Errorf("registration: stored platform configuration unreadable: %w", err)
	}

	reg, err := s.register(ctx, cfg, rs.RegistrationToken, tc)
	if err != nil {
		return zero, err
	}
	if reg.ClientID == "" {
		return zero, errors.New("registration: platform response missing client_id")
	}

	now := s.now()
	client := storage.Client{
		ID:        uuid.NewString(),
		Name:      tc.ClientName,
		Issuer:    cfg.Issuer,
		ClientID:  reg.ClientID,
		AuthURL:   cfg.AuthorizationEndpoint,
		TokenURL:  cfg.TokenEndpoint,
		JWKSURL:   cfg.JWKSURI,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.CreateClient(ctx, client); err != nil {
		return zero, fmt.Errorf("registration: persist client: %w", err)
	}

	// The platform may hand back a concrete deployment id; register it in
	// addition to the fallback so launches from it resolve exactly.
	if did := reg.LTI.DeploymentID; did != "" && did != storage.FallbackDeploymentID {
		err := s.Store.CreateDeployment(ctx, storage.Deployment{
			ID:           uuid.NewString(),
			ClientID:     client.ID,
			DeploymentID: did,
			Name:         tc.ClientName,
		})
		if err != nil {
			return zero, fmt.Errorf("registration: persist deployment: %w", err)
		}
	}
	err = s.Store.CreateDeployment(ctx, storage.Deployment{
		ID:           uuid.NewString(),
		ClientID:     client.ID,
		DeploymentID: storage.FallbackDeploymentID,
		Name:         tc.ClientName + " (fallback)",
	})
	if err != nil {
		return zero, fmt.Errorf("registration: persist fallback deployment: %w", err)
	}
	return client, nil
}

// register POSTs the client registration to the platform.
func (s *Service) register(ctx context.Context, cfg platformConfiguration, token string, tc ToolConfig) (clientRegistration, error) {
	var zero clientRegistration

	body := clientRegistration{
		ApplicationType:         "web",
		GrantTypes:              []string{"client_credentials", "implicit"},
		ResponseTypes:           []string{"id_token"},
		RedirectURIs:            []string{tc.LaunchURI},
		InitiateLoginURI:        tc.LoginURI,
		ClientName:              tc.ClientName,
		JWKSURI:                 tc.JWKSURI,
		TokenEndpointAuthMethod: "private_key_jwt",
		Scope:                   strings.Join(tc.Scopes, " "),
		LTI: ltiToolConfiguration{
			Domain:        tc.Domain,
			TargetLinkURI: tc.TargetLinkURI,
			Custom:        tc.Custom,
			Messages: []ltiMessage{
				{Type: "LtiResourceLinkRequest", TargetLinkURI: tc.TargetLinkURI},
				{Type: "LtiDeepLinkingRequest", TargetLinkURI: tc.TargetLinkURI, Label: tc.ClientName},
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return zero, fmt.Errorf("registration: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RegistrationEndpoint, bytes.NewReader(raw))
	if err != nil {
		return zero, fmt.Errorf("registration: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return zero, fmt.Errorf("registration: call registration endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return zero, fmt.Errorf("registration: registration endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out clientRegistration
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, fmt.Errorf("registration: parse registration response: %w", err)
	}
	return out, nil
}
