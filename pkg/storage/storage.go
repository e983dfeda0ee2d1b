// pkg/storage/storage.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

/*
Storage contract for the LTI Tool.

Every backend (memory, Redis, SQL) must satisfy this interface with
identical semantics; the protocol's safety depends on guarantees the
method signatures alone cannot express:

  - ValidateNonce is a single atomic consume: two concurrent calls for the
    same value must not both return true, regardless of backend.
  - GetLaunchConfig retries once with deployment id "default" when no
    exact match exists (platforms registered via dynamic registration
    without a platform-asserted deployment id live under "default").
  - Updating a Client's issuer/client_id, or a Deployment's
    platform-asserted deployment id, regenerates every derived
    LaunchConfig keyed by the old identity.
  - TTL-bearing rows (Session, Nonce, RegistrationSession) are unreadable
    once past expiry even if the backend's own garbage collection has not
    physically deleted them yet.

The conformance suite in storagetest exercises all of the above; run it
against every new backend.
*/

// ErrNotFound is returned whenever a requested entity does not exist
// (or exists but is past its expiry).
var ErrNotFound = errors.New("storage: not found")

// FallbackDeploymentID is the synthetic deployment id used by dynamic
// registration and by the LaunchConfig resolution fallback.
const FallbackDeploymentID = "default"

/* -------------------------------- Entities -------------------------------- */

// Client is a Platform registration: one LMS that may launch this Tool.
type Client struct {
	ID       string // stable internal id
	Name     string
	Issuer   string // platform iss URL
	ClientID string // this Tool's client_id on that platform
	AuthURL  string
	TokenURL string
	JWKSURL  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deployment is a platform-side installation of the Tool, always scoped
// to exactly one Client. DeploymentID is the value asserted inside launch
// JWTs, distinct from the internal ID.
type Deployment struct {
	ID           string // internal id
	ClientID     string // internal Client.ID
	DeploymentID string // LMS-provided deployment_id
	Name         string
	Description  string
}

// LaunchConfig is the derived (iss, client_id, deployment_id) -> platform
// endpoints projection sitting on the critical path of every login and
// launch. Regenerated whenever its owning Client or Deployment changes.
type LaunchConfig struct {
	Issuer       string
	ClientID     string
	DeploymentID string
	AuthURL      string
	TokenURL     string
	JWKSURL      string
}

// Key returns the composite lookup key for a LaunchConfig.
func (c LaunchConfig) Key() string {
	return LaunchConfigKey(c.Issuer, c.ClientID, c.DeploymentID)
}

// LaunchConfigKey builds the composite key used by KV-style backends.
func LaunchConfigKey(iss, clientID, deploymentID string) string {
	return iss + "|" + clientID + "|" + deploymentID
}

// DeriveLaunchConfigs projects a Client and its Deployments into the
// LaunchConfigs that must exist for them.
func DeriveLaunchConfigs(c Client, deps []Deployment) []LaunchConfig {
	out := make([]LaunchConfig, 0, len(deps))
	for _, d := range deps {
		out = append(out, LaunchConfig{
			Issuer:       c.Issuer,
			ClientID:     c.ClientID,
			DeploymentID: d.DeploymentID,
			AuthURL:      c.AuthURL,
			TokenURL:     c.TokenURL,
			JWKSURL:      c.JWKSURL,
		})
	}
	return out
}

// RegistrationSession bridges the two-step dynamic-registration handshake.
// Created at initiation, consumed (read-then-delete) at completion.
type RegistrationSession struct {
	ID                string
	PlatformConfig    json.RawMessage // fetched OpenID configuration document
	RegistrationToken string          // optional bearer token from the platform
	ExpiresAt         time.Time
}

/* --------------------------------- Session --------------------------------- */

// SessionUser is the launching user as asserted by the Platform.
type SessionUser struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"givenName,omitempty"`
	FamilyName string   `json:"familyName,omitempty"`
	Email      string   `json:"email,omitempty"`
	Roles      []string `json:"roles"` // simplified, de-duplicated role names
}

// SessionContext is the course/org the launch happened in.
type SessionContext struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Title string `json:"title"`
}

// SessionPlatform identifies the launching platform registration.
type SessionPlatform struct {
	Issuer       string `json:"iss"`
	ClientID     string `json:"clientId"`
	DeploymentID string `json:"deploymentId"`
	Name         string `json:"name,omitempty"`
}

// SessionLaunch carries launch-target information.
type SessionLaunch struct {
	Target string `json:"target"`
}

// SessionResourceLink is the placement that was launched, when asserted.
type SessionResourceLink struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// AGSService is the Assignment & Grade Services block of a session.
type AGSService struct {
	LineItems string   `json:"lineItems,omitempty"`
	LineItem  string   `json:"lineItem,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// NRPSService is the Names & Role Provisioning block of a session.
type NRPSService struct {
	ContextMembershipsURL string   `json:"contextMembershipsUrl"`
	ServiceVersions       []string `json:"serviceVersions,omitempty"`
}

// DeepLinkingService is the deep-linking return configuration of a session.
type DeepLinkingService struct {
	ReturnURL      string   `json:"returnUrl"`
	AcceptTypes    []string `json:"acceptTypes,omitempty"`
	AcceptTargets  []string `json:"acceptTargets,omitempty"`
	AcceptMultiple bool     `json:"acceptMultiple,omitempty"`
	AutoCreate     bool     `json:"autoCreate,omitempty"`
	Data           string   `json:"data,omitempty"`
}

// SessionServices holds the optional per-service blocks. A nil field means
// the corresponding claim was not asserted at launch.
type SessionServices struct {
	AGS         *AGSService         `json:"ags,omitempty"`
	NRPS        *NRPSService        `json:"nrps,omitempty"`
	DeepLinking *DeepLinkingService `json:"deepLinking,omitempty"`
}

// Session is the immutable result of a successful launch. It expires via
// storage TTL; nothing mutates it after creation.
type Session struct {
	ID string `json:"id"`

	// RawClaims is the original validated launch payload, kept for audit.
	RawClaims json.RawMessage `json:"rawClaims,omitempty"`

	User         SessionUser          `json:"user"`
	Context      SessionContext       `json:"context"`
	Platform     SessionPlatform      `json:"platform"`
	Launch       SessionLaunch        `json:"launch"`
	ResourceLink *SessionResourceLink `json:"resourceLink,omitempty"`
	Services     SessionServices      `json:"services"`

	// Capability flags. The role booleans are computed independently of
	// User.Roles (substring match on the raw vocabulary URIs); the service
	// booleans mirror claim presence.
	IsAdmin      bool `json:"isAdmin"`
	IsInstructor bool `json:"isInstructor"`
	IsStudent    bool `json:"isStudent"`

	IsAssignmentAndGradesAvailable bool `json:"isAssignmentAndGradesAvailable"`
	IsNameAndRolesAvailable        bool `json:"isNameAndRolesAvailable"`
	IsDeepLinkingAvailable         bool `json:"isDeepLinkingAvailable"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

/* --------------------------------- Contract -------------------------------- */

// Store is the persistence contract every backend must satisfy.
type Store interface {
	// Clients
	CreateClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)
	FindClient(ctx context.Context, iss, clientID string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	// UpdateClient persists c and regenerates every LaunchConfig derived
	// from the client (old identity keys are removed).
	UpdateClient(ctx context.Context, c Client) error
	// DeleteClient cascades to the client's Deployments and LaunchConfigs.
	DeleteClient(ctx context.Context, id string) error

	// Deployments
	CreateDeployment(ctx context.Context, d Deployment) error
	GetDeployment(ctx context.Context, id string) (Deployment, error)
	ListDeployments(ctx context.Context, clientID string) ([]Deployment, error)
	// UpdateDeployment regenerates the derived LaunchConfig when the
	// platform-asserted deployment id changed.
	UpdateDeployment(ctx context.Context, d Deployment) error
	DeleteDeployment(ctx context.Context, id string) error

	// LaunchConfigs
	//
	// GetLaunchConfig returns ErrNotFound only after also trying
	// deploymentID == FallbackDeploymentID.
	GetLaunchConfig(ctx context.Context, iss, clientID, deploymentID string) (LaunchConfig, error)
	SaveLaunchConfig(ctx context.Context, c LaunchConfig) error

	// Nonces
	//
	// StoreNonce records value until expiresAt. ValidateNonce atomically
	// consumes it: true exactly once per stored, unexpired value.
	StoreNonce(ctx context.Context, value string, expiresAt time.Time) error
	ValidateNonce(ctx context.Context, value string) (bool, error)

	// Sessions
	AddSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)

	// Registration sessions
	CreateRegistrationSession(ctx context.Context, rs RegistrationSession) error
	// ConsumeRegistrationSession reads and deletes in one step; a second
	// call for the same id returns ErrNotFound.
	ConsumeRegistrationSession(ctx context.Context, id string) (RegistrationSession, error)
}
