package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sentinelauth/sentinel/internal/config"
	"github.com/sentinelauth/sentinel/internal/oauth"
	"github.com/sentinelauth/sentinel/internal/session"
)

const (
	testClientID     = "client-abc"
	testClientSecret = "s3cret-value"
	testCallback     = "https://app.example.com/callback"
	testSessionID    = "sess-1"
	testUserID       = "user-1"
	testUserEmail    = "owner@example.com"
)

var alnum64 = regexp.MustCompile(`^[A-Za-z0-9]{64}$`)

// fakeDirectory serves a single registered client, optionally with a linked
// resource owner.
type fakeDirectory struct {
	client *oauth.ClientApplication
	linked *oauth.User
}

func (d *fakeDirectory) GetActiveClient(_ context.Context, clientID, uri string) (*oauth.ClientApplication, error) {
	if d.client == nil || clientID != d.client.ClientID {
		return nil, oauth.ErrClientNotFound
	}
	if uri != d.client.CallbackURI && uri != d.client.RedirectURI {
		return nil, oauth.ErrClientNotFound
	}
	return d.client, nil
}

func (d *fakeDirectory) ResolveLinkedUser(_ context.Context, clientApplicationID string) (*oauth.User, error) {
	if d.linked == nil || d.client == nil || clientApplicationID != d.client.ID {
		return nil, oauth.ErrNoLinkedUser
	}
	return d.linked, nil
}

type fixture struct {
	server      *Server
	directory   *fakeDirectory
	correlation oauth.CorrelationStore
	codec       *oauth.Codec
	cfg         config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	hash, err := oauth.HashSecret(testClientSecret)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}

	dir := &fakeDirectory{
		client: &oauth.ClientApplication{
			ID:               "app-row-1",
			ClientID:         testClientID,
			ClientSecretHash: hash,
			Name:             "Test App",
			CallbackURI:      testCallback,
			RedirectURI:      testCallback,
		},
		linked: &oauth.User{ID: testUserID, Email: testUserEmail},
	}

	cfg := config.Config{
		Issuer:           "https://idp.example.com",
		Audience:         "sentinel-api",
		SigningSecret:    "test-signing-secret",
		AccessTokenTTL:   30 * time.Minute,
		RefreshExtension: 60 * time.Minute,
	}
	codec := oauth.NewCodec(cfg.SigningSecret, cfg.Issuer, cfg.Audience)
	correlation := oauth.NewMemoryCorrelationStore(5 * time.Minute)

	return &fixture{
		server:      NewServer(cfg, dir, correlation, codec, nil, nil),
		directory:   dir,
		correlation: correlation,
		codec:       codec,
		cfg:         cfg,
	}
}

// withSession attaches the test session the middleware would normally provide.
func withSession(r *http.Request) *http.Request {
	ctx := session.NewContext(r.Context(), &oauth.Session{
		SessionID: testSessionID,
		UserID:    oauth.UnknownUserID,
		Status:    oauth.SessionStatusActive,
	})
	return r.WithContext(ctx)
}

func withIdentity(r *http.Request, subject, email string) *http.Request {
	ctx := session.NewIdentityContext(r.Context(), &session.Identity{Subject: subject, Email: email})
	return r.WithContext(ctx)
}

func authorizeRequest(query url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/oauth2/authorize?"+query.Encode(), nil)
	return withSession(r)
}

func tokenRequest(form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/oauth2/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return withSession(r)
}

func baseTokenForm(grantType string) url.Values {
	return url.Values{
		"grant_type":    {grantType},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
		"redirect_uri":  {testCallback},
	}
}

func decodeTokenResponse(t *testing.T, body io.Reader) oauth.TokenResponse {
	t.Helper()
	var resp oauth.TokenResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp
}

func TestAuthorizeRedirectsWithCodeAndState(t *testing.T) {
	fx := newFixture(t)

	w := httptest.NewRecorder()
	fx.server.HandleAuthorize(w, authorizeRequest(url.Values{
		"client_id":     {testClientID},
		"callback_uri":  {testCallback},
		"response_type": {"code"},
	}))

	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusMovedPermanently)
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testCallback {
		t.Errorf("redirect target = %q, want %q", got, testCallback)
	}

	code := loc.Query().Get("code")
	state := loc.Query().Get("state")
	if !alnum64.MatchString(code) {
		t.Errorf("code %q is not 64 alphanumeric chars", code)
	}
	if !alnum64.MatchString(state) {
		t.Errorf("state %q is not 64 alphanumeric chars", state)
	}
	if code == state {
		t.Error("code and state are identical")
	}

	ctx := context.Background()
	storedState, err := fx.correlation.Peek(ctx, testSessionID, testClientID, oauth.SlotState)
	if err != nil || storedState != state {
		t.Errorf("stored state = %q (%v), want %q", storedState, err, state)
	}
	storedCode, err := fx.correlation.Peek(ctx, testSessionID, testClientID, oauth.SlotCode)
	if err != nil || storedCode != code {
		t.Errorf("stored code = %q (%v), want %q", storedCode, err, code)
	}
}

func TestAuthorizeDenies(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name  string
		query url.Values
	}{
		{"unknown client", url.Values{
			"client_id":     {"nope"},
			"callback_uri":  {testCallback},
			"response_type": {"code"},
		}},
		{"callback not registered", url.Values{
			"client_id":     {testClientID},
			"callback_uri":  {"https://evil.example.com/cb"},
			"response_type": {"code"},
		}},
		{"unsupported response_type", url.Values{
			"client_id":     {testClientID},
			"callback_uri":  {testCallback},
			"response_type": {"token"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			fx.server.HandleAuthorize(w, authorizeRequest(tt.query))
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

// A registered callback that cannot be parsed must fail closed, never
// redirect without code and state attached.
func TestAuthorizeFailsClosedOnUnparseableCallback(t *testing.T) {
	fx := newFixture(t)
	bad := "https://app.example.com/\x01cb"
	fx.directory.client.CallbackURI = bad
	fx.directory.client.RedirectURI = bad

	w := httptest.NewRecorder()
	fx.server.HandleAuthorize(w, authorizeRequest(url.Values{
		"client_id":     {testClientID},
		"callback_uri":  {bad},
		"response_type": {"code"},
	}))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if loc := w.Header().Get("Location"); loc != "" {
		t.Errorf("Location = %q, want no redirect", loc)
	}
}

func TestAuthorizeRejectsNonGET(t *testing.T) {
	fx := newFixture(t)
	w := httptest.NewRecorder()
	r := withSession(httptest.NewRequest(http.MethodPost, "/api/v1/oauth2/authorize", nil))
	fx.server.HandleAuthorize(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestTokenClientCredentials(t *testing.T) {
	fx := newFixture(t)

	w := httptest.NewRecorder()
	fx.server.HandleToken(w, tokenRequest(baseTokenForm(GrantClientCredentials)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	resp := decodeTokenResponse(t, w.Body)
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.Expires != 30 {
		t.Errorf("expires = %d, want 30", resp.Expires)
	}

	claims, err := fx.codec.ValidateToken(resp.AccessToken, oauth.TokenKindAccess)
	if err != nil {
		t.Fatalf("access token failed validation: %v", err)
	}
	if claims.Subject != testUserID {
		t.Errorf("subject = %q, want linked user %q", claims.Subject, testUserID)
	}
	if claims.Email != testUserEmail {
		t.Errorf("email = %q, want %q", claims.Email, testUserEmail)
	}
	if _, err := fx.codec.ValidateToken(resp.RefreshToken, oauth.TokenKindRefresh); err != nil {
		t.Fatalf("refresh token failed validation: %v", err)
	}
}

func TestTokenUsesBearerIdentityOverLinkedUser(t *testing.T) {
	fx := newFixture(t)

	r := withIdentity(tokenRequest(baseTokenForm(GrantClientCredentials)), "caller-9", "caller@example.com")
	w := httptest.NewRecorder()
	fx.server.HandleToken(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decodeTokenResponse(t, w.Body)
	claims, err := fx.codec.ValidateToken(resp.AccessToken, oauth.TokenKindAccess)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "caller-9" {
		t.Errorf("subject = %q, want the authenticated caller", claims.Subject)
	}
}

func TestTokenDeniedWithoutAnySubject(t *testing.T) {
	fx := newFixture(t)
	fx.directory.linked = nil

	w := httptest.NewRecorder()
	fx.server.HandleToken(w, tokenRequest(baseTokenForm(GrantClientCredentials)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestTokenDeniesBadCredentials(t *testing.T) {
	fx := newFixture(t)

	grants := []string{GrantClientCredentials, GrantAuthorizationCode, GrantRefreshToken, GrantDeviceCode}
	for _, grant := range grants {
		t.Run(grant+" wrong secret", func(t *testing.T) {
			form := baseTokenForm(grant)
			form.Set("client_secret", "wrong")
			w := httptest.NewRecorder()
			fx.server.HandleToken(w, tokenRequest(form))
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
		})
	}

	t.Run("unknown client", func(t *testing.T) {
		form := baseTokenForm(GrantClientCredentials)
		form.Set("client_id", "nope")
		w := httptest.NewRecorder()
		fx.server.HandleToken(w, tokenRequest(form))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})

	t.Run("unsupported grant", func(t *testing.T) {
		w := httptest.NewRecorder()
		fx.server.HandleToken(w, tokenRequest(baseTokenForm("password")))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})
}

// Failure responses must be indistinguishable regardless of the reason.
func TestDenialBodyDoesNotLeakReason(t *testing.T) {
	fx := newFixture(t)

	unknownClient := baseTokenForm(GrantClientCredentials)
	unknownClient.Set("client_id", "nope")
	badSecret := baseTokenForm(GrantClientCredentials)
	badSecret.Set("client_secret", "wrong")

	var bodies []string
	for _, form := range []url.Values{unknownClient, badSecret} {
		w := httptest.NewRecorder()
		fx.server.HandleToken(w, tokenRequest(form))
		bodies = append(bodies, w.Body.String())
	}
	if bodies[0] != bodies[1] {
		t.Errorf("denial bodies differ: %q vs %q", bodies[0], bodies[1])
	}
}

func TestAuthorizationCodeExchange(t *testing.T) {
	fx := newFixture(t)

	w := httptest.NewRecorder()
	fx.server.HandleAuthorize(w, authorizeRequest(url.Values{
		"client_id":     {testClientID},
		"callback_uri":  {testCallback},
		"response_type": {"code"},
	}))
	loc, _ := url.Parse(w.Header().Get("Location"))
	code := loc.Query().Get("code")
	state := loc.Query().Get("state")

	form := baseTokenForm(GrantAuthorizationCode)
	form.Set("code", code)
	form.Set("state", state)

	w = httptest.NewRecorder()
	fx.server.HandleToken(w, tokenRequest(form))
	if w.Code != http.StatusOK {
		t.Fatalf("exchange status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	resp := decodeTokenResponse(t, w.Body)
	if _, err := fx.codec.ValidateToken(resp.AccessToken, oauth.TokenKindAccess); err != nil {
		t.Fatalf("access token invalid: %v", err)
	}

	// Code and state are single use.
	w = httptest.NewRecorder()
	fx.server.HandleToken(w, tokenRequest(form))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("replayed exchange status = %d, want 401", w.Code)
	}
}

func TestAuthorizationCodeMismatches(t *testing.T) {
	run := func(t *testing.T, mutate func(form url.Values, code, state string)) {
		t.Helper()
		fx := newFixture(t)

		w := httptest.NewRecorder()
		fx.server.HandleAuthorize(w, authorizeRequest(url.Values{
			"client_id":     {testClientID},
			"callback_uri":  {testCallback},
			"response_type": {"code"},
		}))
		loc, _ := url.Parse(w.Header().Get("Location"))

		form := baseTokenForm(GrantAuthorizationCode)
		mutate(form, loc.Query().Get("code"), loc.Query().Get("state"))

		w = httptest.NewRecorder()
		fx.server.HandleToken(w, tokenRequest(form))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	}

	t.Run("wrong state", func(t *testing.T) {
		run(t, func(form url.Values, code, _ string) {
			form.Set("code", code)
			form.Set("state", strings.Repeat("x", 64))
		})
	})
	t.Run("wrong code", func(t *testing.T) {
		run(t, func(form url.Values, _, state string) {
			form.Set("code", strings.Repeat("x", 64))
			form.Set("state", state)
		})
	})
	t.Run("missing both", func(t *testing.T) {
		run(t, func(url.Values, string, string) {})
	})
	t.Run("no prior authorize", func(t *testing.T) {
		fx := newFixture(t)
		form := baseTokenForm(GrantAuthorizationCode)
		form.Set("code", strings.Repeat("a", 64))
		form.Set("state", strings.Repeat("b", 64))
		w := httptest.NewRecorder()
		fx.server.HandleToken(w, tokenRequest(form))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})
}

func TestRefreshTokenGrant(t *testing.T) {
	fx := newFixture(t)

	refresh, err := fx.codec.CreateToken(testUserID, testUserEmail, oauth.TokenKindRefresh, time.Hour)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	form := baseTokenForm(GrantRefreshToken)
	form.Set("refresh_token", refresh)

	w := httptest.NewRecorder()
	fx.server.HandleToken(w, tokenRequest(form))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	resp := decodeTokenResponse(t, w.Body)
	if _, err := fx.codec.ValidateToken(resp.AccessToken, oauth.TokenKindAccess); err != nil {
		t.Fatalf("minted access token invalid: %v", err)
	}
}

func TestRefreshTokenGrantRejectsBadTokens(t *testing.T) {
	fx := newFixture(t)

	access, err := fx.codec.CreateToken(testUserID, testUserEmail, oauth.TokenKindAccess, time.Hour)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"access token presented as refresh", access},
		{"garbage", "not.a.token"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := baseTokenForm(GrantRefreshToken)
			form.Set("refresh_token", tt.token)
			w := httptest.NewRecorder()
			fx.server.HandleToken(w, tokenRequest(form))
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestDeviceFlow(t *testing.T) {
	fx := newFixture(t)

	query := "client_id=" + testClientID + "&callback_uri=" + url.QueryEscape(testCallback)
	r := withIdentity(withSession(httptest.NewRequest(http.MethodGet, "/api/v1/oauth2/device?"+query, nil)), testUserID, testUserEmail)
	w := httptest.NewRecorder()
	fx.server.HandleDevice(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("device status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode device response: %v", err)
	}
	deviceCode := body["device_code"]
	if !alnum64.MatchString(deviceCode) {
		t.Fatalf("device_code %q is not 64 alphanumeric chars", deviceCode)
	}

	form := baseTokenForm(GrantDeviceCode)
	form.Set("device_code", deviceCode)
	w = httptest.NewRecorder()
	fx.server.HandleToken(w, tokenRequest(form))
	if w.Code != http.StatusOK {
		t.Fatalf("exchange status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	// Single use.
	w = httptest.NewRecorder()
	fx.server.HandleToken(w, tokenRequest(form))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("replayed exchange status = %d, want 401", w.Code)
	}
}

func TestDeviceRequiresAuthenticatedCaller(t *testing.T) {
	fx := newFixture(t)

	query := "client_id=" + testClientID + "&callback_uri=" + url.QueryEscape(testCallback)
	r := withSession(httptest.NewRequest(http.MethodGet, "/api/v1/oauth2/device?"+query, nil))
	w := httptest.NewRecorder()
	fx.server.HandleDevice(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMetadata(t *testing.T) {
	fx := newFixture(t)

	w := httptest.NewRecorder()
	fx.server.HandleMetadata(w, httptest.NewRequest(http.MethodGet, "/api/v1/oauth2/.well-known", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var meta struct {
		Issuer        string   `json:"issuer"`
		TokenEndpoint string   `json:"token_endpoint"`
		GrantTypes    []string `json:"grant_types_supported"`
	}
	if err := json.NewDecoder(w.Body).Decode(&meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Issuer != fx.cfg.Issuer {
		t.Errorf("issuer = %q, want %q", meta.Issuer, fx.cfg.Issuer)
	}
	if meta.TokenEndpoint != fx.cfg.Issuer+"/api/v1/oauth2/token" {
		t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
	}
	if len(meta.GrantTypes) != 4 {
		t.Errorf("grant_types_supported has %d entries, want 4", len(meta.GrantTypes))
	}
}

func TestTokenRejectsNonPOST(t *testing.T) {
	fx := newFixture(t)
	w := httptest.NewRecorder()
	r := withSession(httptest.NewRequest(http.MethodGet, "/api/v1/oauth2/token", nil))
	fx.server.HandleToken(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}
