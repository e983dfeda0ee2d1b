// pkg/services/deeplinking.go
package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mind-engage/lti-tool/pkg/storage"
	"github.com/mind-engage/lti-tool/pkg/tool"
)

/*
Deep Linking 2.0 response.

A deep-linking launch ends with the Tool POSTing a signed JWT back to the
platform's return URL (form field "JWT"). The response echoes the opaque
"data" value from the request claim and lists the content items the user
picked, signed with the Tool's own RSA key so the platform can verify it
against our JWKS.
*/

const (
	messageTypeDeepLinkingResponse = "LtiDeepLinkingResponse"

	claimContentItems = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	claimData         = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
)

// responseTTL bounds how long a signed response stays submittable.
const responseTTL = 300 * time.Second

// ContentItem is one selected item, normally of type "ltiResourceLink".
type ContentItem struct {
	Type   string            `json:"type"`
	Title  string            `json:"title,omitempty"`
	Text   string            `json:"text,omitempty"`
	URL    string            `json:"url,omitempty"`
	Custom map[string]string `json:"custom,omitempty"`
}

// ResourceLinkItem builds the common case: a launchable resource link.
func ResourceLinkItem(title, launchURL string, custom map[string]string) ContentItem {
	return ContentItem{
		Type:   "ltiResourceLink",
		Title:  title,
		URL:    launchURL,
		Custom: custom,
	}
}

// DeepLinkingResponse holds everything needed to POST the selection back.
type DeepLinkingResponse struct {
	ReturnURL string // platform endpoint expecting the form POST
	JWT       string // value of the "JWT" form field
}

// BuildDeepLinkingResponse signs the content-item selection for the
// platform the session was launched from. Returns ErrNotAvailable when the
// launch was not a deep-linking request.
func BuildDeepLinkingResponse(keys *tool.KeyMaterial, sess storage.Session, items []ContentItem, now time.Time) (DeepLinkingResponse, error) {
	if sess.Services.DeepLinking == nil {
		return DeepLinkingResponse{}, ErrNotAvailable
	}
	if keys == nil || keys.Private == nil {
		return DeepLinkingResponse{}, errors.New("deeplinking: key material required")
	}

	claims := jwt.MapClaims{
		"iss":   sess.Platform.ClientID,
		"aud":   sess.Platform.Issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(responseTTL).Unix(),
		"nonce": uuid.NewString(),

		tool.ClaimMessageType:  messageTypeDeepLinkingResponse,
		tool.ClaimVersion:      tool.LTIVersion,
		tool.ClaimDeploymentID: sess.Platform.DeploymentID,
		claimContentItems:      items,
	}
	if d := sess.Services.DeepLinking.Data; d != "" {
		claims[claimData] = d
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keys.KID
	signed, err := tok.SignedString(keys.Private)
	if err != nil {
		return DeepLinkingResponse{}, err
	}
	return DeepLinkingResponse{
		ReturnURL: sess.Services.DeepLinking.ReturnURL,
		JWT:       signed,
	}, nil
}
