// pkg/tool/login.go
package tool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
OIDC login initiation (third-party initiated login).

The Platform POSTs a login hint at us; we answer with a redirect to the
Platform's authorization endpoint carrying a fresh nonce and a signed
state token. The nonce is persisted BEFORE the redirect URL is built so a
launch can never race ahead of nonce availability.
*/

// LoginRequest carries the form fields of a login initiation.
type LoginRequest struct {
	Issuer        string
	ClientID      string
	LoginHint     string
	TargetLinkURI string
	LaunchURL     string // redirect_uri the Platform will POST the launch to
	DeploymentID  string
	MessageHint   string // optional, passed through when supplied
}

func (r LoginRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.Issuer) == "" {
		missing = append(missing, "iss")
	}
	if strings.TrimSpace(r.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(r.LoginHint) == "" {
		missing = append(missing, "login_hint")
	}
	if strings.TrimSpace(r.DeploymentID) == "" {
		missing = append(missing, "deployment_id")
	}
	if len(missing) > 0 {
		return protoErr(KindSchemaValidation, "login", "missing fields: "+strings.Join(missing, ", "), nil)
	}
	if !isHTTPURL(r.TargetLinkURI) {
		return protoErr(KindSchemaValidation, "login", "target_link_uri is not a valid URL", nil)
	}
	if !isHTTPURL(r.LaunchURL) {
		return protoErr(KindSchemaValidation, "login", "launch url is not a valid URL", nil)
	}
	return nil
}

// OIDCLogin runs the login initiation and returns the absolute
// authorization-endpoint redirect URL. Its only side effect is the nonce
// write.
func (t *Tool) OIDCLogin(ctx context.Context, req LoginRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	// 1. Fresh nonce, persisted first.
	nonce := uuid.NewString()
	if err := t.Storage.StoreNonce(ctx, nonce, t.now().Add(t.nonceTTL())); err != nil {
		return "", fmt.Errorf("login: store nonce: %w", err)
	}

	// 2. Self-contained state token.
	state, err := signState(t.StateSecret, nonce, req.Issuer, req.ClientID, req.TargetLinkURI, t.now(), t.stateTTL())
	if err != nil {
		return "", fmt.Errorf("login: sign state: %w", err)
	}

	// 3. Platform endpoints. An unknown platform/deployment is the one
	// expected failure mode here, surfaced distinctly from security errors.
	cfg, err := t.Storage.GetLaunchConfig(ctx, req.Issuer, req.ClientID, req.DeploymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", &Error{
				Kind: KindConfiguration, Phase: "login",
				Issuer: req.Issuer, ClientID: req.ClientID,
				Msg: "platform or deployment not registered",
			}
		}
		return "", fmt.Errorf("login: resolve launch config: %w", err)
	}

	// 4. Authorization redirect.
	q := url.Values{}
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.LaunchURL)
	q.Set("login_hint", req.LoginHint)
	q.Set("lti_deployment_id", req.DeploymentID)
	q.Set("state", state)
	q.Set("nonce", nonce)
	if req.MessageHint != "" {
		q.Set("lti_message_hint", req.MessageHint)
	}

	sep := "?"
	if strings.Contains(cfg.AuthURL, "?") {
		sep = "&"
	}
	return cfg.AuthURL + sep + q.Encode(), nil
}
