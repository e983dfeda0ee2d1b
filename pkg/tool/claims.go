// pkg/tool/claims.go
package tool

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// LTI 1.3 claim URIs (per 1EdTech LTI Core / Advantage specs).
const (
	ClaimMessageType   = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion       = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink  = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles         = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimContext       = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimToolPlatform  = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimCustom        = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimAGSEndpoint   = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPS          = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	ClaimDeepLinking   = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
)

// Message types asserted by Platforms.
const (
	MessageTypeResourceLink       = "LtiResourceLinkRequest"
	MessageTypeDeepLinkingRequest = "LtiDeepLinkingRequest"
)

// LTIVersion is the only version this Tool accepts.
const LTIVersion = "1.3.0"

// ContextClaim is the course/org context the launch happened in.
type ContextClaim struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  []string `json:"type,omitempty"`
}

// ResourceLinkClaim identifies the placement that was launched.
type ResourceLinkClaim struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// PlatformClaim describes the launching Platform instance.
type PlatformClaim struct {
	GUID              string `json:"guid,omitempty"`
	Name              string `json:"name,omitempty"`
	ProductFamilyCode string `json:"product_family_code,omitempty"`
	Version           string `json:"version,omitempty"`
}

// AGSEndpointClaim is the Assignment & Grade Services descriptor.
type AGSEndpointClaim struct {
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
	Scope     []string `json:"scope,omitempty"`
}

// NRPSClaim is the Names & Role Provisioning Services descriptor.
type NRPSClaim struct {
	ContextMembershipsURL string   `json:"context_memberships_url"`
	ServiceVersions       []string `json:"service_versions,omitempty"`
}

// DeepLinkingClaim carries the deep-linking return configuration.
type DeepLinkingClaim struct {
	ReturnURL      string   `json:"deep_link_return_url"`
	AcceptTypes    []string `json:"accept_types,omitempty"`
	AcceptTargets  []string `json:"accept_presentation_document_targets,omitempty"`
	AcceptMultiple bool     `json:"accept_multiple,omitempty"`
	AutoCreate     bool     `json:"auto_create,omitempty"`
	Title          string   `json:"title,omitempty"`
	Text           string   `json:"text,omitempty"`
	Data           string   `json:"data,omitempty"`
}

// LaunchClaims is the full LTI 1.3 launch assertion payload. Optional
// namespaced claims are pointers so "absent" is distinguishable from
// "present but empty".
type LaunchClaims struct {
	jwt.RegisteredClaims

	Nonce string `json:"nonce,omitempty"`

	// OIDC privacy claims
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Email      string `json:"email,omitempty"`

	MessageType   string   `json:"https://purl.imsglobal.org/spec/lti/claim/message_type,omitempty"`
	Version       string   `json:"https://purl.imsglobal.org/spec/lti/claim/version,omitempty"`
	DeploymentID  string   `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id,omitempty"`
	TargetLinkURI string   `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri,omitempty"`
	Roles         []string `json:"https://purl.imsglobal.org/spec/lti/claim/roles,omitempty"`

	Context      *ContextClaim      `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	ResourceLink *ResourceLinkClaim `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link,omitempty"`
	Platform     *PlatformClaim     `json:"https://purl.imsglobal.org/spec/lti/claim/tool_platform,omitempty"`
	Custom       map[string]string  `json:"https://purl.imsglobal.org/spec/lti/claim/custom,omitempty"`

	AGS         *AGSEndpointClaim `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint,omitempty"`
	NRPS        *NRPSClaim        `json:"https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice,omitempty"`
	DeepLinking *DeepLinkingClaim `json:"https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings,omitempty"`
}

// Aud returns the audience this Tool compares against its registration.
// When aud is an array only the first element is considered; additional
// audiences are deliberately ignored for compatibility with the platforms
// observed in the wild. See DESIGN.md.
func (c *LaunchClaims) Aud() string {
	if len(c.Audience) == 0 {
		return ""
	}
	return c.Audience[0]
}

// validateSchema checks the verified payload against the LTI 1.3 claim set
// and reports every offending field at once.
func (c *LaunchClaims) validateSchema() error {
	var bad []string
	if c.Issuer == "" {
		bad = append(bad, "iss")
	}
	if c.Subject == "" {
		bad = append(bad, "sub")
	}
	if len(c.Audience) == 0 {
		bad = append(bad, "aud")
	}
	if c.ExpiresAt == nil {
		bad = append(bad, "exp")
	}
	if c.Nonce == "" {
		bad = append(bad, "nonce")
	}
	switch c.MessageType {
	case MessageTypeResourceLink, MessageTypeDeepLinkingRequest:
	default:
		bad = append(bad, "message_type")
	}
	if c.Version != LTIVersion {
		bad = append(bad, "version")
	}
	if c.DeploymentID == "" {
		bad = append(bad, "deployment_id")
	}
	if c.TargetLinkURI == "" || !isHTTPURL(c.TargetLinkURI) {
		bad = append(bad, "target_link_uri")
	}
	if c.Roles == nil {
		bad = append(bad, "roles")
	}
	if c.NRPS != nil && c.NRPS.ContextMembershipsURL == "" {
		bad = append(bad, "namesroleservice.context_memberships_url")
	}
	if c.DeepLinking != nil && c.DeepLinking.ReturnURL == "" {
		bad = append(bad, "deep_linking_settings.deep_link_return_url")
	}
	if len(bad) > 0 {
		return protoErr(KindSchemaValidation, "launch.schema",
			"invalid or missing claims: "+strings.Join(bad, ", "), nil)
	}
	return nil
}

// peekLaunch decodes the payload of an id_token WITHOUT verifying the
// signature. Only used to learn which platform/deployment claims to look
// up; nothing from the peek is trusted until the signature check passes.
func peekLaunch(raw string) (*LaunchClaims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, protoErr(KindMalformedToken, "launch.peek", "want 3 JWT segments", nil)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, protoErr(KindMalformedToken, "launch.peek", "payload not base64url", err)
	}
	var c LaunchClaims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, protoErr(KindMalformedToken, "launch.peek", "payload not JSON", err)
	}
	if c.Issuer == "" {
		return nil, protoErr(KindMalformedToken, "launch.peek", "missing iss", nil)
	}
	return &c, nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
