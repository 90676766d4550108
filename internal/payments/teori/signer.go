package teori

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

const AuthScheme = "Teori"

// Signer produces Authorization header values for merchant API requests.
type Signer struct {
	scheme string
	secret string
}

func NewSigner(secret string) *Signer {
	return &Signer{scheme: AuthScheme, secret: strings.TrimSpace(secret)}
}

// Sign returns "<scheme> base64(sha256(payload + secret))". GET requests sign an empty payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || s.secret == "" {
		return "", ErrSignerNotReady
	}

	data := make([]byte, 0, len(payload)+len(s.secret))
	data = append(data, payload...)
	data = append(data, s.secret...)
	sum := sha256.Sum256(data)

	return s.scheme + " " + base64.StdEncoding.EncodeToString(sum[:]), nil
}
