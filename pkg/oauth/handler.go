package oauth

import (
	"encoding/json"
	"net/http"
)

// UserAuthenticator resolves the authenticated end user behind an
// authorization or consent request. The gateway supplies an
// implementation backed by its own session layer; the server core never
// authenticates users itself.
type UserAuthenticator interface {
	UserFromRequest(r *http.Request) (string, error)
}

// Handler exposes the server's HTTP surface.
type Handler struct {
	server *Server
	users  UserAuthenticator
	mux    *http.ServeMux
}

// NewHandler creates the HTTP handler for the OAuth server endpoints.
func NewHandler(server *Server, users UserAuthenticator) *Handler {
	h := &Handler{server: server, users: users}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/authorize", h.handleAuthorize)
	mux.HandleFunc("/oauth/token", h.handleToken)
	mux.HandleFunc("/oauth/register", h.handleRegister)
	mux.HandleFunc("/oauth/consent", h.handleConsent)
	mux.HandleFunc("/oauth/revoke", h.handleRevoke)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.handleMetadata)
	// Unprefixed aliases for clients that resolve endpoints relative to
	// the issuer root.
	mux.HandleFunc("/authorize", h.handleAuthorize)
	mux.HandleFunc("/token", h.handleToken)
	mux.HandleFunc("/register", h.handleRegister)
	mux.HandleFunc("/revoke", h.handleRevoke)
	h.mux = mux

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleAuthorize handles GET/POST /oauth/authorize.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeError(w, NewError(ErrorInvalidRequest, "GET or POST required"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewError(ErrorInvalidRequest, "could not parse request"))
		return
	}

	userID, err := h.users.UserFromRequest(r)
	if err != nil || userID == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		h.writeJSON(w, http.StatusUnauthorized, &Error{Code: ErrorInvalidRequest, Description: "end-user authentication required"})
		return
	}

	req := AuthorizationRequest{
		ResponseType:        r.Form.Get("response_type"),
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
	}

	result, err := h.server.Authorize(r.Context(), req, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// handleToken handles POST /oauth/token (form-encoded).
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, NewError(ErrorInvalidRequest, "POST required"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewError(ErrorInvalidRequest, "could not parse form"))
		return
	}

	req := TokenRequest{
		GrantType:    r.FormValue("grant_type"),
		Code:         r.FormValue("code"),
		RedirectURI:  r.FormValue("redirect_uri"),
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		CodeVerifier: r.FormValue("code_verifier"),
		RefreshToken: r.FormValue("refresh_token"),
		Scope:        r.FormValue("scope"),
	}

	// Support HTTP Basic for client authentication.
	if req.ClientID == "" || req.ClientSecret == "" {
		if username, password, ok := r.BasicAuth(); ok {
			req.ClientID = username
			req.ClientSecret = password
		}
	}

	resp, err := h.server.Token(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, resp)
}

// handleRegister handles POST /oauth/register.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, NewError(ErrorInvalidRequest, "POST required"))
		return
	}

	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, NewError(ErrorInvalidRequest, "could not parse JSON"))
		return
	}

	resp, err := h.server.RegisterClient(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// consentRequest is the POST /oauth/consent body.
type consentRequest struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	Remember bool   `json:"remember"`
}

// handleConsent handles POST /oauth/consent: records the authenticated
// user's approval of the requested scopes for the client.
func (h *Handler) handleConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, NewError(ErrorInvalidRequest, "POST required"))
		return
	}

	userID, err := h.users.UserFromRequest(r)
	if err != nil || userID == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		h.writeJSON(w, http.StatusUnauthorized, &Error{Code: ErrorInvalidRequest, Description: "end-user authentication required"})
		return
	}

	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, NewError(ErrorInvalidRequest, "could not parse JSON"))
		return
	}
	if req.ClientID == "" {
		h.writeError(w, NewError(ErrorInvalidRequest, "client_id is required"))
		return
	}

	if err := h.server.GrantConsent(r.Context(), userID, req.ClientID, ParseScopes(req.Scope), req.Remember); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusNoContent, nil)
}

// handleRevoke handles POST /oauth/revoke.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, NewError(ErrorInvalidRequest, "POST required"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewError(ErrorInvalidRequest, "could not parse form"))
		return
	}

	if err := h.server.RevokeToken(r.Context(), r.FormValue("token")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMetadata handles GET /.well-known/oauth-authorization-server.
func (h *Handler) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.server.Metadata())
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a structured OAuth error with the status code its
// error code calls for. Unexpected errors surface as server_error with a
// JSON body so clients always receive a stable error code.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	oauthErr := AsOAuthError(err)

	status := http.StatusBadRequest
	switch oauthErr.Code {
	case ErrorInvalidClient:
		status = http.StatusUnauthorized
	case ErrorConsentRequired:
		status = http.StatusForbidden
	case ErrorServerError:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		h.server.logger.Error("request failed", "error", err)
	}

	h.writeJSON(w, status, oauthErr)
}
