package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RFC 6238 parameters. Authenticator apps default to SHA-1, 30s steps and
// six digits; deviating breaks provisioning by QR code.
const (
	totpSecretBytes = 20
	totpPeriod      = 30
	totpDigits      = 6
	totpSkewSteps   = 1
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTP generates secrets and verifies time-based one-time codes.
type TOTP struct {
	issuer string
	now    func() time.Time
}

// NewTOTP constructs a TOTP engine. The issuer appears in provisioning URIs
// and therefore in the user's authenticator app.
func NewTOTP(issuer string) *TOTP {
	return &TOTP{issuer: issuer, now: time.Now}
}

// GenerateSecret returns a fresh Base32-encoded shared secret.
func (t *TOTP) GenerateSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return totpEncoding.EncodeToString(raw), nil
}

// ProvisioningURI renders the otpauth URI encoded into enrollment QR codes.
func (t *TOTP) ProvisioningURI(secret, account string) string {
	label := url.PathEscape(t.issuer + ":" + account)
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", t.issuer)
	v.Set("period", strconv.Itoa(totpPeriod))
	v.Set("digits", strconv.Itoa(totpDigits))
	v.Set("algorithm", "SHA1")
	return "otpauth://totp/" + label + "?" + v.Encode()
}

// VerifyCode checks a six-digit code against the secret, accepting one time
// step of skew in either direction.
func (t *TOTP) VerifyCode(secret, code string) bool {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return false
	}
	key, err := totpEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return false
	}
	counter := uint64(t.now().Unix() / totpPeriod)
	for delta := -totpSkewSteps; delta <= totpSkewSteps; delta++ {
		expected := hotp(key, counter+uint64(int64(delta)))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// hotp computes an RFC 4226 HMAC-based one-time password.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", totpDigits, value%1_000_000)
}

// Recovery codes exclude ambiguous characters so users can read them back
// over the phone.
const (
	recoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	recoveryCodeLength   = 10
	recoveryCodeCount    = 10
)

// GenerateRecoveryCodes returns a fresh batch of single-use recovery codes.
// Callers persist only their digests.
func GenerateRecoveryCodes() ([]string, error) {
	codes := make([]string, 0, recoveryCodeCount)
	max := big.NewInt(int64(len(recoveryCodeAlphabet)))
	for i := 0; i < recoveryCodeCount; i++ {
		var b strings.Builder
		for j := 0; j < recoveryCodeLength; j++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, err
			}
			b.WriteByte(recoveryCodeAlphabet[n.Int64()])
		}
		codes = append(codes, b.String())
	}
	return codes, nil
}

// HashRecoveryCode normalizes and digests a recovery code for storage and
// lookup. Codes are compared only by digest.
func HashRecoveryCode(code string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
