// pkg/tool/keys.go
package tool

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

/*
Key material for the Tool.

The Tool keeps a single RSA key pair plus a key id ("kid"). The private key
signs outgoing JWTs (service-token client assertions, deep-linking
responses); the public half is published as a JWKS document for Platforms
to verify those signatures.

State tokens are NOT signed with this key; they use the shared HMAC
secret (see state.go).
*/

// DefaultKID is used when no key id is configured.
const DefaultKID = "main"

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// KeyMaterial is the Tool's asymmetric signing key plus its identifier.
type KeyMaterial struct {
	Private *rsa.PrivateKey
	KID     string
}

// NewKeyMaterial wraps an RSA private key. An empty kid defaults to "main".
func NewKeyMaterial(priv *rsa.PrivateKey, kid string) (*KeyMaterial, error) {
	if priv == nil {
		return nil, errors.New("tool: nil rsa private key")
	}
	if strings.TrimSpace(kid) == "" {
		kid = DefaultKID
	}
	return &KeyMaterial{Private: priv, KID: kid}, nil
}

// KeyMaterialFromPEM parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func KeyMaterialFromPEM(pemBytes []byte, kid string) (*KeyMaterial, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("tool: no PEM block in key material")
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewKeyMaterial(priv, kid)
	}
	any, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tool: parse private key: %w", err)
	}
	priv, ok := any.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("tool: private key is not RSA")
	}
	return NewKeyMaterial(priv, kid)
}

// PublicJWKS returns the public key set served to Platforms.
// Only public parameters are included.
func (k *KeyMaterial) PublicJWKS() JWKS {
	return JWKS{Keys: []map[string]any{RSAPublicJWK(&k.Private.PublicKey, k.KID, "RS256")}}
}

// RSAPublicJWK builds the JWK map for an RSA public key.
func RSAPublicJWK(pub *rsa.PublicKey, kid, alg string) map[string]any {
	e := pub.E
	eb := []byte{byte(e >> 16), byte(e >> 8), byte(e)}
	// strip leading zero bytes of the exponent
	for len(eb) > 1 && eb[0] == 0 {
		eb = eb[1:]
	}
	return map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": alg,
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(eb),
	}
}
