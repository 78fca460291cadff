package oauth

import "errors"

// Error taxonomy for the protocol engine. Credential and correlation
// mismatches all surface to callers as an undifferentiated 401 so a client
// cannot enumerate registered applications; the distinct values exist for
// logging and tests.
var (
	ErrClientNotFound      = errors.New("client application not found")
	ErrInvalidSecret       = errors.New("invalid client secret")
	ErrStateMismatch       = errors.New("state mismatch")
	ErrCodeMismatch        = errors.New("authorization code mismatch")
	ErrDeviceCodeMismatch  = errors.New("device code mismatch")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrTokenInvalid        = errors.New("token signature or structure invalid")
	ErrTokenSigning        = errors.New("token signing failed")
	ErrUnsupportedGrant    = errors.New("unsupported grant type")
	ErrNoLinkedUser        = errors.New("no user linked to client application")
	ErrSessionNotFound     = errors.New("session not found")
	ErrStoreFailure        = errors.New("store failure")
)
