// pkg/admin/registry.go
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mind-engage/lti-tool/pkg/registration"
	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
Package admin exposes a small HTTP API to manage platform registrations:
  - Clients (issuer, client_id, platform endpoints)
  - Deployments (deployment_id bound to a client)
  - Dynamic registration sessions (initiate/complete)

It is intentionally thin and delegates persistence to storage.Store; the
store regenerates the launch-config projection on every identity change.

Route prefix (suggested): /admin, wrapped in BasicAuth.
*/

// Routes returns the CRUD endpoints for clients, deployments and dynamic
// registration. reg may be nil when dynamic registration is disabled.
func Routes(store storage.Store, reg *registration.Service) http.Handler {
	r := chi.NewRouter()

	// Clients
	r.Post("/clients", createClient(store))
	r.Get("/clients", listClients(store))
	r.Get("/clients/{id}", getClient(store))
	r.Put("/clients/{id}", updateClient(store))
	r.Delete("/clients/{id}", deleteClient(store))

	// Deployments
	r.Post("/clients/{id}/deployments", createDeployment(store))
	r.Get("/clients/{id}/deployments", listDeployments(store))
	r.Get("/deployments/{id}", getDeployment(store))
	r.Put("/deployments/{id}", updateDeployment(store))
	r.Delete("/deployments/{id}", deleteDeployment(store))

	// Dynamic registration
	if reg != nil {
		r.Post("/registrations", initiateRegistration(reg))
		r.Post("/registrations/{id}/complete", completeRegistration(reg))
	}

	return r
}

/* ------------------------------- Clients ----------------------------------- */

func createClient(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClientReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if msg := validateClientReq(req); msg != "" {
			writeErr(w, http.StatusBadRequest, msg)
			return
		}

		c := storage.Client{
			ID:       uuid.NewString(),
			Name:     strings.TrimSpace(req.Name),
			Issuer:   strings.TrimSpace(req.Issuer),
			ClientID: strings.TrimSpace(req.ClientID),
			AuthURL:  strings.TrimSpace(req.AuthURL),
			TokenURL: strings.TrimSpace(req.TokenURL),
			JWKSURL:  strings.TrimSpace(req.JWKSURL),
		}
		if err := store.CreateClient(r.Context(), c); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func listClients(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := store.ListClients(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if items == nil {
			items = []storage.Client{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func getClient(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := store.GetClient(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "client not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func updateClient(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req ClientReq // full replacement
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if msg := validateClientReq(req); msg != "" {
			writeErr(w, http.StatusBadRequest, msg)
			return
		}

		c := storage.Client{
			ID:       id,
			Name:     strings.TrimSpace(req.Name),
			Issuer:   strings.TrimSpace(req.Issuer),
			ClientID: strings.TrimSpace(req.ClientID),
			AuthURL:  strings.TrimSpace(req.AuthURL),
			TokenURL: strings.TrimSpace(req.TokenURL),
			JWKSURL:  strings.TrimSpace(req.JWKSURL),
		}
		if err := store.UpdateClient(r.Context(), c); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "client not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func deleteClient(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.DeleteClient(r.Context(), chi.URLParam(r, "id")); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "client not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

/* ----------------------------- Deployments --------------------------------- */

func createDeployment(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := chi.URLParam(r, "id")

		var req DeploymentReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if msg := validateDeploymentReq(req); msg != "" {
			writeErr(w, http.StatusBadRequest, msg)
			return
		}

		d := storage.Deployment{
			ID:           uuid.NewString(),
			ClientID:     clientID,
			DeploymentID: strings.TrimSpace(req.DeploymentID),
			Name:         strings.TrimSpace(req.Name),
			Description:  strings.TrimSpace(req.Description),
		}
		if err := store.CreateDeployment(r.Context(), d); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "client not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, d)
	}
}

func listDeployments(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := store.ListDeployments(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if items == nil {
			items = []storage.Deployment{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func getDeployment(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := store.GetDeployment(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "deployment not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func updateDeployment(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req DeploymentReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if msg := validateDeploymentReq(req); msg != "" {
			writeErr(w, http.StatusBadRequest, msg)
			return
		}

		existing, err := store.GetDeployment(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "deployment not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		existing.DeploymentID = strings.TrimSpace(req.DeploymentID)
		existing.Name = strings.TrimSpace(req.Name)
		existing.Description = strings.TrimSpace(req.Description)

		if err := store.UpdateDeployment(r.Context(), existing); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, existing)
	}
}

func deleteDeployment(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.DeleteDeployment(r.Context(), chi.URLParam(r, "id")); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "deployment not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

/* ------------------------- Dynamic registration ---------------------------- */

func initiateRegistration(reg *registration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegistrationInitiateReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if !isHTTPURL(req.OpenIDConfigurationURL) {
			writeErr(w, http.StatusBadRequest, "openid_configuration_url must be an http(s) URL")
			return
		}

		rs, err := reg.Initiate(r.Context(), req.OpenIDConfigurationURL, req.RegistrationToken)
		if err != nil {
			writeErr(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":         rs.ID,
			"expires_at": rs.ExpiresAt,
		})
	}
}

func completeRegistration(reg *registration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegistrationCompleteReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}

		client, err := reg.Complete(r.Context(), chi.URLParam(r, "id"), registration.ToolConfig{
			ClientName:    req.ClientName,
			LoginURI:      req.LoginURI,
			LaunchURI:     req.LaunchURI,
			JWKSURI:       req.JWKSURI,
			Domain:        req.Domain,
			TargetLinkURI: req.TargetLinkURI,
			Custom:        req.Custom,
			Scopes:        req.Scopes,
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "registration session not found or already used")
				return
			}
			writeErr(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, client)
	}
}

/* ------------------------------ Utilities ---------------------------------- */

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
