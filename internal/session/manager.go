package session

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelauth/sentinel/internal/cache"
	"github.com/sentinelauth/sentinel/internal/oauth"
)

const cookieName = "idp_session"

// recentTTL is how long a freshly created session is remembered for
// cookieless follow-up requests from the same client, which arrive before the
// browser has echoed the cookie back.
const recentTTL = time.Minute

type ctxKey int

const (
	sessionContextKey ctxKey = iota
	identityContextKey
)

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	Subject string
	Email   string
}

// Store is the subset of session persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*oauth.Session, error)
	CreateSession(ctx context.Context, sess *oauth.Session) error
}

// TokenValidator verifies a presented bearer token. Satisfied by oauth.Codec.
type TokenValidator interface {
	ValidateToken(token string, kind oauth.TokenKind) (*oauth.Claims, error)
}

// Manager ensures every inbound request carries a session row. Creation is
// check-then-act over the store, so the whole sequence runs under a mutex
// keyed by the browser's session cookie (or, for cookieless first requests,
// by client address and user agent). Unrelated sessions never serialize.
type Manager struct {
	store     Store
	validator TokenValidator
	locks     *KeyedMutex
	recent    *cache.TTLCache
	ttl       time.Duration
	logger    *log.Logger
}

// NewManager creates a session manager.
func NewManager(store Store, validator TokenValidator, ttl time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:     store,
		validator: validator,
		locks:     NewKeyedMutex(),
		recent:    cache.NewTTLCache(),
		ttl:       ttl,
		logger:    logger,
	}
}

// Middleware resolves or creates the request's session before calling next.
// The session and any bearer identity are placed on the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := m.bearerIdentity(r)

		sess, created, err := m.ensureSession(r, identity)
		if err != nil {
			m.logger.Printf("session: bootstrap failed: %v", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if created {
			http.SetCookie(w, &http.Cookie{
				Name:     cookieName,
				Value:    sess.SessionID,
				HttpOnly: true,
				Path:     "/",
				Expires:  time.Now().Add(m.ttl),
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		if identity != nil {
			ctx = context.WithValue(ctx, identityContextKey, identity)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensureSession loads the cookie's session or creates a fresh row. A new row
// is required when no usable cookie exists, the stored row is gone, or the
// stored row belongs to "Unknown" while the caller is now authenticated.
func (m *Manager) ensureSession(r *http.Request, identity *Identity) (*oauth.Session, bool, error) {
	ctx := r.Context()

	var cookieID string
	if cookie, err := r.Cookie(cookieName); err == nil {
		cookieID = cookie.Value
	}

	lockKey := cookieID
	if lockKey == "" {
		lockKey = clientAddr(r) + "\x00" + r.UserAgent()
	}
	unlock := m.locks.Lock(lockKey)
	defer unlock()

	if cookieID != "" {
		sess, err := m.store.GetSession(ctx, cookieID)
		switch {
		case err == nil:
			if sess.UserID != oauth.UnknownUserID || identity == nil {
				return sess, false, nil
			}
			// Session predates authentication; replace it with one owned
			// by the caller.
		case errors.Is(err, oauth.ErrSessionNotFound):
			// fall through to creation
		default:
			return nil, false, err
		}
	} else if sid, ok := m.recent.Get(lockKey); ok {
		// A concurrent cookieless request already created a session for
		// this client; reuse it instead of minting a second row.
		sess, err := m.store.GetSession(ctx, sid)
		if err == nil && (sess.UserID != oauth.UnknownUserID || identity == nil) {
			return sess, false, nil
		}
	}

	userID := oauth.UnknownUserID
	if identity != nil {
		userID = identity.Subject
	}

	sess := &oauth.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		IPAddress: clientAddr(r),
		UserAgent: r.UserAgent(),
		Status:    oauth.SessionStatusActive,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, false, err
	}
	if cookieID == "" {
		m.recent.Set(lockKey, sess.SessionID, recentTTL)
	}
	return sess, true, nil
}

func (m *Manager) bearerIdentity(r *http.Request) *Identity {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil
	}
	claims, err := m.validator.ValidateToken(strings.TrimSpace(parts[1]), oauth.TokenKindAccess)
	if err != nil {
		return nil
	}
	return &Identity{Subject: claims.Subject, Email: claims.Email}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewContext returns ctx carrying the given session. Handlers normally get
// this from the middleware; tests build it directly.
func NewContext(ctx context.Context, sess *oauth.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

// NewIdentityContext returns ctx carrying an authenticated identity.
func NewIdentityContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext extracts the session placed by the middleware.
func FromContext(ctx context.Context) (*oauth.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*oauth.Session)
	return sess, ok
}

// IdentityFromContext extracts the bearer identity, if the caller presented a
// valid access token.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}
