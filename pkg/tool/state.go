// pkg/tool/state.go
package tool

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
State tokens.

The OIDC "state" parameter is a self-contained HMAC JWT signed with the
Tool's shared state secret. Carrying {nonce, iss, clientId, targetLinkUri}
inside the token lets launch verification check state statelessly, without
a storage round-trip. The signature is the CSRF defense: a launch POST that
did not originate from our own login redirect cannot present a valid state.
*/

// DefaultStateTTL is the lifetime of a state token.
const DefaultStateTTL = 600 * time.Second

// StateClaims is the payload of a state token.
type StateClaims struct {
	Nonce         string `json:"nonce"`
	Issuer        string `json:"iss"`
	ClientID      string `json:"clientId"`
	TargetLinkURI string `json:"targetLinkUri"`
	jwt.RegisteredClaims
}

// signState builds and signs a state token over secret.
func signState(secret []byte, nonce, iss, clientID, targetLinkURI string, now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	claims := StateClaims{
		Nonce:         nonce,
		Issuer:        iss,
		ClientID:      clientID,
		TargetLinkURI: targetLinkURI,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// verifyState checks the HMAC signature and expiry of a state token and
// returns its claims. Any failure (tampered, expired, wrong secret, wrong
// alg) is reported as InvalidState.
func verifyState(secret []byte, raw string) (*StateClaims, error) {
	var claims StateClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, protoErr(KindInvalidState, "launch.state", "state token rejected", err)
	}
	return &claims, nil
}
