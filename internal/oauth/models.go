package oauth

import "time"

// ClientApplication is a registered OAuth client. ClientID is the public
// identifier presented in requests; ID is the storage key.
type ClientApplication struct {
	ID               string
	ClientID         string
	ClientSecretHash string
	Name             string
	CallbackURI      string
	RedirectURI      string

	IsDeleted bool
	DeletedAt *time.Time
	DeletedBy string

	CreatedAt  time.Time
	CreatedBy  string
	ModifiedAt time.Time
	ModifiedBy string
}

// User is a resource owner. Only the fields the protocol engine and the
// purge scheduler touch are modeled here.
type User struct {
	ID    string
	Email string

	IsDeleted bool
	DeletedAt *time.Time
	DeletedBy string

	CreatedAt time.Time
}

// UserClientApplicationLink associates one resource-owner user to a client
// application. First match wins when resolving the owner for
// client-credential flows.
type UserClientApplicationLink struct {
	UserID              string
	ClientApplicationID string
	CreatedAt           time.Time
}

// Session status values.
const (
	SessionStatusActive = "Active"

	// UnknownUserID marks a session created before any authentication.
	UnknownUserID = "Unknown"
)

// Session is the browser-scoped row that carries correlation entries.
type Session struct {
	SessionID string
	UserID    string
	IPAddress string
	UserAgent string
	Status    string
	CreatedAt time.Time
}

// TokenResponse is the token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Expires      int    `json:"expires"`
}
