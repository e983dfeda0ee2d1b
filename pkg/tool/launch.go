// pkg/tool/launch.go
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
Launch verification state machine.

This is the highest-risk code path in the Tool. The checks run in a fixed
order and every failure is terminal; callers restart the whole login flow,
nothing is retried.

The cheap, structural checks come first. The one stateful, irreversible
check (nonce consumption) comes last: a launch that fails an earlier step
leaves its nonce unconsumed, but once consumed a nonce is never handed
back, even if a later caller-side step fails. Fail closed.
*/

// VerifyLaunch validates an inbound (id_token, state) pair and returns the
// fully validated launch payload, ready for BuildSession.
func (t *Tool) VerifyLaunch(ctx context.Context, idToken, state string) (*LaunchClaims, error) {
	// 1. Peek at the unverified payload; only iss/aud/deployment_id are
	// read, and nothing is trusted until step 3.
	peek, err := peekLaunch(idToken)
	if err != nil {
		return nil, err
	}

	// 2. Resolve the platform registration before spending effort on
	// signature verification: an unknown platform has no trustworthy key
	// source anyway.
	cfg, err := t.Storage.GetLaunchConfig(ctx, peek.Issuer, peek.Aud(), peek.DeploymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &Error{
				Kind: KindConfiguration, Phase: "launch.config",
				Issuer: peek.Issuer, ClientID: peek.Aud(),
				Msg: "platform or deployment not registered",
			}
		}
		return nil, fmt.Errorf("launch: resolve launch config: %w", err)
	}

	// 3. Verify the id_token signature against the platform's cached JWKS.
	// exp/nbf are enforced by the parser.
	claims := &LaunchClaims{}
	_, err = jwt.ParseWithClaims(idToken, claims, t.KeySets.Keyfunc(ctx, cfg.JWKSURL),
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) && perr.Kind == KindKeySetUnavailable {
			perr.Issuer, perr.ClientID = peek.Issuer, peek.Aud()
			return nil, perr
		}
		return nil, &Error{
			Kind: KindInvalidSignature, Phase: "launch.signature",
			Issuer: peek.Issuer, ClientID: peek.Aud(),
			Msg: "id_token rejected", Err: err,
		}
	}

	// 4. Verify state. Independent of step 3: this is the CSRF defense.
	st, err := verifyState(t.StateSecret, state)
	if err != nil {
		return nil, err
	}

	// 5. Schema-validate the now-trusted payload.
	if err := claims.validateSchema(); err != nil {
		return nil, err
	}

	// 6. Audience must equal the registered client id. For array audiences
	// only the first element counts (see DESIGN.md).
	if claims.Aud() != cfg.ClientID {
		return nil, &Error{
			Kind: KindClientMismatch, Phase: "launch.audience",
			Issuer: claims.Issuer, ClientID: cfg.ClientID,
			Msg: fmt.Sprintf("aud %q does not match registration", claims.Aud()),
		}
	}

	// 7. The nonce inside the launch must match the nonce inside the state
	// token, binding this launch to our own login redirect.
	if claims.Nonce != st.Nonce {
		return nil, &Error{
			Kind: KindNonceMismatch, Phase: "launch.nonce",
			Issuer: claims.Issuer, ClientID: cfg.ClientID,
			Msg: "launch nonce does not match state nonce",
		}
	}

	// 8. Atomic single-use consumption. Storage errors propagate as-is.
	ok, err := t.Storage.ValidateNonce(ctx, claims.Nonce)
	if err != nil {
		return nil, fmt.Errorf("launch: consume nonce: %w", err)
	}
	if !ok {
		return nil, &Error{
			Kind: KindNonceReplay, Phase: "launch.nonce",
			Issuer: claims.Issuer, ClientID: cfg.ClientID,
			Msg: "nonce already consumed or expired",
		}
	}

	return claims, nil
}

// ValidateLaunch verifies the (id_token, state) pair, builds the Session
// and persists it. This is the facade most HTTP handlers want.
func (t *Tool) ValidateLaunch(ctx context.Context, idToken, state string) (storage.Session, error) {
	claims, err := t.VerifyLaunch(ctx, idToken, state)
	if err != nil {
		return storage.Session{}, err
	}
	s := BuildSession(claims, t.now(), t.SessionTTL)
	if err := t.Storage.AddSession(ctx, s); err != nil {
		return storage.Session{}, fmt.Errorf("launch: persist session: %w", err)
	}
	return s, nil
}
