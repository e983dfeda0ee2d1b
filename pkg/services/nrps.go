// pkg/services/nrps.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

// Names & Role Provisioning Services (NRPS 2.0) client.

// ScopeContextMembership is the only scope NRPS defines.
const ScopeContextMembership = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"

// Member is one course membership record.
type Member struct {
	Status     string   `json:"status,omitempty"` // Active|Inactive|Deleted
	UserID     string   `json:"user_id"`
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Roles      []string `json:"roles"`
}

// membershipContainer is one page of the memberships collection.
type membershipContainer struct {
	ID      string `json:"id"`
	Context struct {
		ID    string `json:"id"`
		Label string `json:"label,omitempty"`
		Title string `json:"title,omitempty"`
	} `json:"context"`
	Members []Member `json:"members"`
}

// NRPSClient fetches course memberships on behalf of one launch.
type NRPSClient struct {
	HTTP   *http.Client
	Tokens TokenSource

	Issuer       string
	ClientID     string
	DeploymentID string

	MembershipsURL string
}

// NewNRPS builds an NRPS client from a validated session. Returns
// ErrNotAvailable when the launch carried no namesroleservice claim.
func NewNRPS(tokens TokenSource, sess storage.Session) (*NRPSClient, error) {
	if sess.Services.NRPS == nil {
		return nil, ErrNotAvailable
	}
	return &NRPSClient{
		HTTP:           &http.Client{Timeout: 15 * time.Second},
		Tokens:         tokens,
		Issuer:         sess.Platform.Issuer,
		ClientID:       sess.Platform.ClientID,
		DeploymentID:   sess.Platform.DeploymentID,
		MembershipsURL: sess.Services.NRPS.ContextMembershipsURL,
	}, nil
}

// Memberships fetches the full course roster, following the Link
// rel="next" pagination the platform emits until exhausted. The optional
// role filter is passed through to the platform.
func (c *NRPSClient) Memberships(ctx context.Context, role string) ([]Member, error) {
	if c.MembershipsURL == "" {
		return nil, errors.New("nrps: missing memberships URL")
	}
	tokResp, err := c.Tokens.AccessToken(ctx, c.Issuer, c.ClientID, c.DeploymentID, ScopeContextMembership)
	if err != nil {
		return nil, err
	}

	next := c.MembershipsURL
	if role != "" {
		sep := "?"
		if strings.Contains(next, "?") {
			sep = "&"
		}
		next += sep + "role=" + role
	}

	var all []Member
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tokResp.AccessToken)
		req.Header.Set("Accept", "application/vnd.ims.lti-nrps.v2.membershipcontainer+json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			resp.Body.Close()
			return nil, httpErr("fetch memberships", resp)
		}
		var page membershipContainer
		err = json.NewDecoder(resp.Body).Decode(&page)
		links := resp.Header.Values("Link")
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, page.Members...)
		next = nextLink(links)
	}
	return all, nil
}

// nextLink extracts the rel="next" target from RFC 8288 Link headers.
// Returns "" when there is no next page.
func nextLink(headers []string) string {
	for _, h := range headers {
		for _, part := range strings.Split(h, ",") {
			seg := strings.Split(part, ";")
			if len(seg) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(seg[0]), "<>")
			for _, param := range seg[1:] {
				p := strings.TrimSpace(param)
				if p == `rel="next"` || p == "rel=next" {
					return target
				}
			}
		}
	}
	return ""
}
