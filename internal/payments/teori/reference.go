package teori

import (
	"crypto/sha1"
	"encoding/base64"
	"regexp"
	"strings"
)

const MaxReferenceLength = 25

var disallowedReferenceChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

var referencePrefixes = map[string]string{
	"teori":     "teo",
	"handledar": "hdl",
	"session":   "ses",
	"booking":   "bok",
}

// SanitizeReference maps an internal reference onto the provider's
// merchant reference format ^[A-Za-z0-9_-]{1,25}$. The mapping is stable:
// short compliant references pass through, anything else becomes a
// category prefix plus a SHA-1 digest of the original input.
func SanitizeReference(reference string) string {
	cleaned := disallowedReferenceChars.ReplaceAllString(reference, "")
	if cleaned != "" && len(cleaned) <= MaxReferenceLength {
		return cleaned
	}

	prefix := "ref"
	token := strings.ToLower(strings.SplitN(cleaned, "_", 2)[0])
	if mapped, ok := referencePrefixes[token]; ok {
		prefix = mapped
	}

	sum := sha1.Sum([]byte(reference))
	digest := disallowedReferenceChars.ReplaceAllString(base64.URLEncoding.EncodeToString(sum[:]), "")

	out := prefix + "_" + digest
	if len(out) > MaxReferenceLength {
		out = out[:MaxReferenceLength]
	}
	return out
}
