// Package oauth serves the authorization-code/token-issuance protocol
// endpoints.
package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"github.com/sentinelauth/sentinel/internal/audit"
	"github.com/sentinelauth/sentinel/internal/config"
	"github.com/sentinelauth/sentinel/internal/oauth"
	"github.com/sentinelauth/sentinel/internal/session"
)

// Supported grant types.
const (
	GrantClientCredentials = "client_credentials"
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantDeviceCode        = "device_code"
)

// Directory resolves registered client applications and their linked
// resource owners. Satisfied by *oauth.Store.
type Directory interface {
	GetActiveClient(ctx context.Context, clientID, uri string) (*oauth.ClientApplication, error)
	ResolveLinkedUser(ctx context.Context, clientApplicationID string) (*oauth.User, error)
}

// Server provides the OAuth endpoints.
type Server struct {
	cfg         config.Config
	directory   Directory
	correlation oauth.CorrelationStore
	codec       *oauth.Codec
	audit       *audit.Publisher
	logger      *log.Logger
}

// NewServer creates the protocol server.
func NewServer(cfg config.Config, directory Directory, correlation oauth.CorrelationStore, codec *oauth.Codec, auditPub *audit.Publisher, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:         cfg,
		directory:   directory,
		correlation: correlation,
		codec:       codec,
		audit:       auditPub,
		logger:      logger,
	}
}

// HandleAuthorize processes authorization requests. On success the client is
// redirected to its callback URI carrying freshly generated code and state.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := session.FromContext(r.Context())
	if !ok {
		s.internalError(w, errors.New("authorize: no session on request"))
		return
	}

	query := r.URL.Query()
	clientID := query.Get("client_id")
	callbackURI := query.Get("callback_uri")
	responseType := query.Get("response_type")

	client, err := s.directory.GetActiveClient(r.Context(), clientID, callbackURI)
	if err != nil {
		s.deny(w, "authorize", err)
		return
	}

	if responseType != "code" {
		s.deny(w, "authorize", errors.New("unsupported response_type"))
		return
	}

	state, err := oauth.RandomAlphanumeric(oauth.CorrelationValueLength)
	if err != nil {
		s.internalError(w, err)
		return
	}
	code, err := oauth.RandomAlphanumeric(oauth.CorrelationValueLength)
	if err != nil {
		s.internalError(w, err)
		return
	}

	if err := s.correlation.Put(r.Context(), sess.SessionID, client.ClientID, oauth.SlotState, state); err != nil {
		s.internalError(w, err)
		return
	}
	if err := s.correlation.Put(r.Context(), sess.SessionID, client.ClientID, oauth.SlotCode, code); err != nil {
		s.internalError(w, err)
		return
	}

	target, err := buildRedirect(callbackURI, code, state)
	if err != nil {
		// The URI matched a registered client, so this is a registration
		// problem, not a caller mistake.
		s.internalError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// HandleToken exchanges client credentials plus a grant-specific proof for a
// signed access/refresh token pair.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form body", http.StatusBadRequest)
		return
	}

	sess, ok := session.FromContext(r.Context())
	if !ok {
		s.internalError(w, errors.New("token: no session on request"))
		return
	}

	grantType := r.FormValue("grant_type")
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	redirectURI := r.FormValue("redirect_uri")

	client, err := s.directory.GetActiveClient(r.Context(), clientID, redirectURI)
	if err != nil {
		s.deny(w, "token", err)
		return
	}

	linked, err := s.directory.ResolveLinkedUser(r.Context(), client.ID)
	if err != nil && !errors.Is(err, oauth.ErrNoLinkedUser) {
		s.internalError(w, err)
		return
	}

	if err := oauth.VerifySecret(clientSecret, client.ClientSecretHash); err != nil {
		s.deny(w, "token", err)
		return
	}

	// Subject is the already-authenticated caller when present, otherwise
	// the client's linked resource owner.
	subject, email := "", ""
	if identity, ok := session.IdentityFromContext(r.Context()); ok {
		subject, email = identity.Subject, identity.Email
	} else if linked != nil {
		subject, email = linked.ID, linked.Email
	} else {
		s.deny(w, "token", oauth.ErrNoLinkedUser)
		return
	}

	switch grantType {
	case GrantAuthorizationCode:
		// State binds this exchange to its authorize step. Consumed on
		// first use, as is the code below.
		stored, err := s.correlation.Consume(r.Context(), sess.SessionID, client.ClientID, oauth.SlotState)
		if err != nil || !equalValue(stored, r.FormValue("state")) {
			s.deny(w, "token", oauth.ErrStateMismatch)
			return
		}
		storedCode, err := s.correlation.Consume(r.Context(), sess.SessionID, client.ClientID, oauth.SlotCode)
		if err != nil || !equalValue(storedCode, r.FormValue("code")) {
			s.deny(w, "token", oauth.ErrCodeMismatch)
			return
		}
	case GrantRefreshToken:
		if _, err := s.codec.ValidateToken(r.FormValue("refresh_token"), oauth.TokenKindRefresh); err != nil {
			s.deny(w, "token", oauth.ErrInvalidRefreshToken)
			return
		}
	case GrantDeviceCode:
		stored, err := s.correlation.Consume(r.Context(), sess.SessionID, client.ClientID, oauth.SlotDeviceCode)
		if err != nil || !equalValue(stored, r.FormValue("device_code")) {
			s.deny(w, "token", oauth.ErrDeviceCodeMismatch)
			return
		}
	case GrantClientCredentials:
		// No prior authorize step, nothing further to correlate.
	default:
		s.deny(w, "token", oauth.ErrUnsupportedGrant)
		return
	}

	accessToken, err := s.codec.CreateToken(subject, email, oauth.TokenKindAccess, s.cfg.AccessTokenTTL)
	if err != nil {
		s.internalError(w, err)
		return
	}
	refreshToken, err := s.codec.CreateToken(subject, email, oauth.TokenKindRefresh, s.cfg.AccessTokenTTL+s.cfg.RefreshExtension)
	if err != nil {
		s.internalError(w, err)
		return
	}

	// Guard against signing-configuration drift: a codec that cannot
	// validate what it just minted must not hand the tokens out.
	_, accessErr := s.codec.ValidateToken(accessToken, oauth.TokenKindAccess)
	_, refreshErr := s.codec.ValidateToken(refreshToken, oauth.TokenKindRefresh)
	if accessErr != nil && refreshErr != nil {
		s.deny(w, "token", oauth.ErrTokenInvalid)
		return
	}

	s.audit.Publish(r.Context(), audit.Event{
		Kind:     audit.EventTokenIssued,
		Subject:  subject,
		ClientID: client.ClientID,
		Detail:   map[string]string{"grant_type": grantType},
	})

	writeJSON(w, http.StatusOK, oauth.TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expires:      int(s.cfg.AccessTokenTTL.Minutes()),
	})
}

// HandleDevice generates a device code for an authenticated caller. The code
// is exchanged later through the token endpoint with grant_type=device_code.
func (s *Server) HandleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := session.FromContext(r.Context())
	if !ok {
		s.internalError(w, errors.New("device: no session on request"))
		return
	}
	if _, ok := session.IdentityFromContext(r.Context()); !ok {
		s.deny(w, "device", errors.New("caller not authenticated"))
		return
	}

	clientID := r.URL.Query().Get("client_id")
	callbackURI := r.URL.Query().Get("callback_uri")
	client, err := s.directory.GetActiveClient(r.Context(), clientID, callbackURI)
	if err != nil {
		s.deny(w, "device", err)
		return
	}

	deviceCode, err := oauth.RandomAlphanumeric(oauth.CorrelationValueLength)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if err := s.correlation.Put(r.Context(), sess.SessionID, client.ClientID, oauth.SlotDeviceCode, deviceCode); err != nil {
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"device_code": deviceCode})
}

// HandleMetadata serves discovery metadata.
func (s *Server) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := s.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                   issuer,
		"authorization_endpoint":   issuer + "/api/v1/oauth2/authorize",
		"token_endpoint":           issuer + "/api/v1/oauth2/token",
		"device_endpoint":          issuer + "/api/v1/oauth2/device",
		"response_types_supported": []string{"code"},
		"grant_types_supported": []string{
			GrantClientCredentials,
			GrantAuthorizationCode,
			GrantRefreshToken,
			GrantDeviceCode,
		},
	})
}

// deny answers 401 with no detail. The reason is logged server-side only, so
// callers cannot tell a missing client from a bad secret or a stale code.
func (s *Server) deny(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, oauth.ErrStoreFailure) {
		s.internalError(w, err)
		return
	}
	s.logger.Printf("oauth: %s denied: %v", op, err)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Printf("oauth: internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func equalValue(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

func buildRedirect(base, code, state string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("unparseable callback URI %q: %w", base, err)
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
