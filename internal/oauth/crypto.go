package oauth

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const alphanumerics = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// CorrelationValueLength is the length of generated state, code and device
// code strings.
const CorrelationValueLength = 64

// RandomAlphanumeric returns a random alphanumeric string of the given length
// drawn from crypto/rand.
func RandomAlphanumeric(length int) (string, error) {
	buf := make([]byte, length)
	max := big.NewInt(int64(len(alphanumerics)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random source: %w", err)
		}
		buf[i] = alphanumerics[n.Int64()]
	}
	return string(buf), nil
}

// HashSecret derives a salted hash for storage of a client secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret compares a presented secret against a stored salted hash.
// bcrypt's comparison has constant structure regardless of where the inputs
// diverge. Returns ErrInvalidSecret on mismatch.
func VerifySecret(presented, storedHash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(presented)); err != nil {
		return ErrInvalidSecret
	}
	return nil
}
