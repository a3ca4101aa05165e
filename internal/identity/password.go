package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is tuned so a single verification costs on the order of 100ms
// on current server hardware.
const bcryptCost = 12

// dummyDigest is compared against on login paths that never reach a stored
// hash (unknown email, federated-only account), so those paths cost the same
// as a real mismatch and response timing does not reveal account state.
var dummyDigest, _ = bcrypt.GenerateFromPassword([]byte("planora-timing-pad"), bcryptCost)

// compareDummy burns one bcrypt verification without checking anything.
func compareDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyDigest, []byte(password))
}

// HashPassword derives a salted adaptive hash of the plaintext password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("identity: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks plaintext against a stored digest. A mismatch is a
// plain false; a digest bcrypt cannot parse surfaces ErrHashFormat, which
// indicates data corruption rather than a bad credential.
func VerifyPassword(hash, password string) (bool, error) {
	if hash == "" {
		return false, fmt.Errorf("%w: empty digest", ErrHashFormat)
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrHashFormat, err)
	}
}

// passwordDenylist rejects passwords built around common substrings
// regardless of their length or character classes.
var passwordDenylist = []string{
	"password",
	"passw0rd",
	"qwerty",
	"123456",
	"letmein",
	"iloveyou",
	"planora",
}

const minPasswordLength = 12

// ValidatePassword applies the composed registration policy. Every violation
// unwraps to ErrWeakPassword with a human-readable reason.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, minPasswordLength)
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsSpace(r):
			return fmt.Errorf("%w: must not contain whitespace", ErrWeakPassword)
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return fmt.Errorf("%w: must mix upper, lower, digit and symbol characters", ErrWeakPassword)
	}
	lowered := strings.ToLower(password)
	for _, banned := range passwordDenylist {
		if strings.Contains(lowered, banned) {
			return fmt.Errorf("%w: contains a common phrase", ErrWeakPassword)
		}
	}
	return nil
}
