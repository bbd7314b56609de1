package providers

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// checkCredentialExpiry rejects JWT-shaped credentials whose exp claim is in
// the past. Signatures are not verified here; the issuer does that. Opaque
// keys pass through untouched.
func checkCredentialExpiry(credential string, now time.Time) error {
	if strings.Count(credential, ".") != 2 {
		return nil
	}

	token, _, err := jwt.NewParser().ParseUnverified(credential, jwt.MapClaims{})
	if err != nil {
		return nil
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !exp.Time.After(now) {
		return ErrCredentialExpired
	}
	return nil
}

// MaskCredential keeps only a short prefix for logging.
func MaskCredential(credential string) string {
	if len(credential) <= 8 {
		return "***"
	}
	return credential[:4] + "..."
}
