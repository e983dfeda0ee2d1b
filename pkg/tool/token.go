// pkg/tool/token.go
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
Service token broker (RFC 7523 JWT-bearer client credentials).

AGS/NRPS calls back into the Platform need a Bearer token. We authenticate
as the Tool with a private_key_jwt client assertion signed by our RSA key
and POST it to the platform's token endpoint.

No token caching here: callers obtain a fresh token per service call.
Reuse is a legitimate future optimization, not part of this contract.
*/

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionTTL        = 300 * time.Second
)

// AccessTokenResponse is the token endpoint's reply.
type AccessTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// clientAssertion builds the signed RS256 assertion for tokenURL.
func (t *Tool) clientAssertion(clientID, tokenURL string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": tokenURL,
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
		"jti": uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = t.Keys.KID
	return tok.SignedString(t.Keys.Private)
}

// AccessToken obtains a scoped Bearer token for calling Platform services
// on behalf of the registration identified by (iss, clientID, deploymentID).
func (t *Tool) AccessToken(ctx context.Context, iss, clientID, deploymentID string, scopes ...string) (AccessTokenResponse, error) {
	var zero AccessTokenResponse

	cfg, err := t.Storage.GetLaunchConfig(ctx, iss, clientID, deploymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return zero, &Error{
				Kind: KindConfiguration, Phase: "token",
				Issuer: iss, ClientID: clientID,
				Msg: "platform or deployment not registered",
			}
		}
		return zero, fmt.Errorf("token: resolve launch config: %w", err)
	}

	assertion, err := t.clientAssertion(clientID, cfg.TokenURL, t.now())
	if err != nil {
		return zero, fmt.Errorf("token: sign client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", strings.Join(scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return zero, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient().Do(req)
	if err != nil {
		return zero, &Error{
			Kind: KindTokenRequestFailed, Phase: "token",
			Issuer: iss, ClientID: clientID,
			Msg: "token endpoint unreachable", Err: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return zero, &Error{
			Kind: KindTokenRequestFailed, Phase: "token",
			Issuer: iss, ClientID: clientID,
			Msg: fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var out AccessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, &Error{
			Kind: KindTokenResponseMalformed, Phase: "token",
			Issuer: iss, ClientID: clientID,
			Msg: "token response is not JSON", Err: err,
		}
	}
	if out.AccessToken == "" {
		return zero, &Error{
			Kind: KindTokenResponseMalformed, Phase: "token",
			Issuer: iss, ClientID: clientID,
			Msg: "token response missing access_token",
		}
	}
	return out, nil
}
