// pkg/admin/models.go
package admin

import "strings"

type ClientReq struct {
	Name     string `json:"name"`
	Issuer   string `json:"issuer"`
	ClientID string `json:"client_id"`
	AuthURL  string `json:"auth_url"`
	TokenURL string `json:"token_url"`
	JWKSURL  string `json:"jwks_url"`
}

type DeploymentReq struct {
	DeploymentID string `json:"deployment_id"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
}

type RegistrationInitiateReq struct {
	OpenIDConfigurationURL string `json:"openid_configuration_url"`
	RegistrationToken      string `json:"registration_token,omitempty"`
}

type RegistrationCompleteReq struct {
	ClientName    string            `json:"client_name"`
	LoginURI      string            `json:"login_uri"`
	LaunchURI     string            `json:"launch_uri"`
	JWKSURI       string            `json:"jwks_uri"`
	Domain        string            `json:"domain,omitempty"`
	TargetLinkURI string            `json:"target_link_uri"`
	Custom        map[string]string `json:"custom_parameters,omitempty"`
	Scopes        []string          `json:"scopes,omitempty"`
}

func validateClientReq(req ClientReq) string {
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	if strings.TrimSpace(req.Issuer) == "" {
		return "issuer is required"
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return "client_id is required"
	}
	for _, u := range []string{req.AuthURL, req.TokenURL, req.JWKSURL} {
		if !isHTTPURL(u) {
			return "auth_url, token_url and jwks_url must be http(s) URLs"
		}
	}
	return ""
}

func validateDeploymentReq(req DeploymentReq) string {
	if strings.TrimSpace(req.DeploymentID) == "" {
		return "deployment_id is required"
	}
	return ""
}
