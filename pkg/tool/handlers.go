// pkg/tool/handlers.go
package tool

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

/*
HTTP surface for the Tool protocol endpoints.

These handlers are deliberately thin: form parsing in, redirect or error
out, everything else delegated to the Tool facade. Mount them like:

    h := &tool.Handlers{Tool: t, LaunchURL: publicURL + "/lti/launch"}
    r.Mount("/lti", h.Routes())
*/

// Handlers bundles the protocol endpoints around one Tool instance.
type Handlers struct {
	Tool *Tool

	// LaunchURL is the public URL of the launch endpoint, used as
	// redirect_uri during login initiation.
	LaunchURL string

	// JWKSMaxAge controls the Cache-Control header on the key-set
	// endpoint (default 10 minutes).
	JWKSMaxAge time.Duration

	Log zerolog.Logger
}

// Routes mounts login, launch and jwks.
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/login", h.Login)
	r.Get("/login", h.Login) // some platforms initiate login via GET
	r.Post("/launch", h.Launch)
	r.Get("/jwks", h.JWKS)
	return r
}

// Login handles OIDC login initiation and answers with a 302 to the
// platform's authorization endpoint.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	req := LoginRequest{
		Issuer:        r.Form.Get("iss"),
		ClientID:      r.Form.Get("client_id"),
		LoginHint:     r.Form.Get("login_hint"),
		TargetLinkURI: r.Form.Get("target_link_uri"),
		DeploymentID:  r.Form.Get("lti_deployment_id"),
		MessageHint:   r.Form.Get("lti_message_hint"),
		LaunchURL:     h.LaunchURL,
	}
	redirect, err := h.Tool.OIDCLogin(r.Context(), req)
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Launch handles the platform's id_token POST. On success the user is
// redirected to the launch target with the new session id attached.
func (h *Handlers) Launch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	idToken := r.PostFormValue("id_token")
	state := r.PostFormValue("state")
	if idToken == "" || state == "" {
		http.Error(w, "missing id_token or state", http.StatusBadRequest)
		return
	}
	sess, err := h.Tool.ValidateLaunch(r.Context(), idToken, state)
	if err != nil {
		h.fail(w, r, "launch", err)
		return
	}

	target, err := url.Parse(sess.Launch.Target)
	if err != nil {
		http.Error(w, "invalid launch target", http.StatusInternalServerError)
		return
	}
	q := target.Query()
	q.Set("ltiSessionId", sess.ID)
	target.RawQuery = q.Encode()

	h.Log.Info().
		Str("session_id", sess.ID).
		Str("iss", sess.Platform.Issuer).
		Str("client_id", sess.Platform.ClientID).
		Str("user", sess.User.ID).
		Msg("lti launch validated")
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// JWKS serves the Tool's public key set with caching headers so platforms
// can revalidate cheaply.
func (h *Handlers) JWKS(w http.ResponseWriter, r *http.Request) {
	payload, err := json.Marshal(h.Tool.JWKS())
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}
	maxAge := h.JWKSMaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
	w.Header().Set("ETag", etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, _ = w.Write(payload)
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	// weak ETag is fine here
	return `W/"` + base64.RawURLEncoding.EncodeToString(sum[:]) + `"`
}

// fail maps a protocol error to an HTTP status. Security failures are
// logged at warn with their kind so they stand apart from plain
// configuration problems in the logs.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, phase string, err error) {
	var perr *Error
	if !errors.As(err, &perr) {
		h.Log.Error().Err(err).Str("phase", phase).Msg("lti internal error")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	ev := h.Log.Warn().
		Str("phase", phase).
		Str("kind", string(perr.Kind)).
		Str("iss", perr.Issuer).
		Str("client_id", perr.ClientID).
		Str("remote", r.RemoteAddr)
	switch {
	case perr.Kind.Security():
		ev.Msg("lti security failure")
		http.Error(w, string(perr.Kind), http.StatusUnauthorized)
	case perr.Kind == KindConfiguration:
		ev.Msg("lti configuration error")
		http.Error(w, string(perr.Kind), http.StatusBadRequest)
	default:
		ev.Msg("lti request rejected")
		http.Error(w, string(perr.Kind), http.StatusBadRequest)
	}
}
