package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind separates access from refresh tokens so one cannot be replayed as
// the other. The kind travels inside the signed claim set.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Claims is the fixed claim set carried by every issued token.
type Claims struct {
	Email string    `json:"email,omitempty"`
	Kind  TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// Codec creates and validates signed bearer tokens. Signing is HMAC-SHA512
// over a symmetric key; issuer and audience are fixed per codec.
type Codec struct {
	secret   []byte
	issuer   string
	audience string
}

// NewCodec returns a codec bound to a signing secret, issuer and audience.
func NewCodec(secret, issuer, audience string) *Codec {
	return &Codec{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

// CreateToken mints a signed token for the subject with a fresh jti. The
// token is valid from now until now+expiresIn.
func (c *Codec) CreateToken(subject, email string, kind TokenKind, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenSigning, err)
	}
	return signed, nil
}

// ValidateToken verifies signature, issuer, audience and expiry with zero
// clock-skew tolerance, and that the token is of the expected kind. A token
// presented at exactly its expiry instant is rejected. Signature and
// structural failures surface as ErrTokenInvalid.
func (c *Codec) ValidateToken(tokenString string, kind TokenKind) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return c.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: token kind %q, expected %q", ErrTokenInvalid, claims.Kind, kind)
	}
	return claims, nil
}
