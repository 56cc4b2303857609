package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// MaxNameLength is the Kubernetes object name limit.
	MaxNameLength = 63

	// DefaultHashLength is the number of hex digits appended when a raw
	// identity has to be sanitized or truncated.
	DefaultHashLength = 8

	// hashSeparator marks the boundary between the sanitized prefix and
	// the digest suffix. A double hyphen cannot occur in a sanitized
	// prefix, so the suffix is always recoverable.
	hashSeparator = "--"
)

// foldASCII strips diacritics so that usernames like "josé" sanitize to
// "jose" rather than losing the character entirely.
var foldASCII = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// DeriveName converts a raw identity string into a valid object name of at
// most maxLen characters. The result is deterministic: the same raw input
// always produces the same name.
//
// If the lowercased input is already a valid object name within budget it is
// returned as-is. Otherwise the input is sanitized and truncated, and a
// hashLen-digit hex digest of the original input is appended so distinct
// inputs remain distinct even after lossy sanitization.
func DeriveName(raw string, maxLen, hashLen int) (string, error) {
	if maxLen > MaxNameLength {
		maxLen = MaxNameLength
	}
	if hashLen < 1 || hashLen > sha256.Size*2 {
		return "", fmt.Errorf("hash length must be between 1 and %d, got %d", sha256.Size*2, hashLen)
	}
	budget := maxLen - hashLen - len(hashSeparator)
	if budget < 1 {
		return "", fmt.Errorf("max length %d cannot fit %d hash digits plus content", maxLen, hashLen)
	}

	lowered := strings.ToLower(raw)
	if len(lowered) <= maxLen && IsValidObjectName(lowered) {
		return lowered, nil
	}

	prefix := sanitize(raw)
	if len(prefix) > budget {
		prefix = strings.TrimRight(prefix[:budget], "-")
	}
	if prefix == "" {
		prefix = "x"
	}

	return prefix + hashSeparator + digest(hashLen, raw), nil
}

// CombineNames derives one slug jointly representing several identities,
// used when a single object name must encode more than one user-supplied
// string. Each input is terminated by a sentinel byte before hashing, so
// regrouping the same characters ("ab","c" vs "a","bc") changes the digest.
// The remaining length budget is split evenly across the sanitized inputs.
func CombineNames(names []string, maxLen, hashLen int) (string, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("at least one name is required")
	}
	if maxLen > MaxNameLength {
		maxLen = MaxNameLength
	}
	if hashLen < 1 || hashLen > sha256.Size*2 {
		return "", fmt.Errorf("hash length must be between 1 and %d, got %d", sha256.Size*2, hashLen)
	}

	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))[:hashLen]

	// Budget after the digest suffix and the hyphens joining the fragments.
	budget := maxLen - hashLen - len(hashSeparator) - (len(names) - 1)
	per := budget / len(names)
	if per < 1 {
		return "", fmt.Errorf("max length %d cannot fit %d fragments plus %d hash digits", maxLen, len(names), hashLen)
	}

	fragments := make([]string, 0, len(names))
	for _, n := range names {
		f := sanitize(n)
		if len(f) > per {
			f = strings.TrimRight(f[:per], "-")
		}
		if f == "" {
			f = "x"
		}
		fragments = append(fragments, f)
	}

	return strings.Join(fragments, "-") + hashSeparator + sum, nil
}

// IsValidObjectName reports whether s satisfies the object-name constraints:
// lowercase alphanumerics and hyphens, starting with a letter, ending with
// an alphanumeric, at most 63 characters.
func IsValidObjectName(s string) bool {
	if s == "" || len(s) > MaxNameLength {
		return false
	}
	if !isLower(s[0]) {
		return false
	}
	if !isLowerAlnum(s[len(s)-1]) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isLowerAlnum(s[i]) && s[i] != '-' {
			return false
		}
	}
	return true
}

// IsValidLabelValue reports whether s is usable as a label value: empty, or
// at most 63 characters of alphanumerics, hyphens, underscores and dots,
// beginning and ending with an alphanumeric.
func IsValidLabelValue(s string) bool {
	if s == "" {
		return true
	}
	if len(s) > MaxNameLength {
		return false
	}
	if !isAlnum(s[0]) || !isAlnum(s[len(s)-1]) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isAlnum(c) && c != '-' && c != '_' && c != '.' {
			return false
		}
	}
	return true
}

// sanitize folds the input to lowercase ASCII and collapses every run of
// disallowed characters into a single hyphen. The result may be empty.
func sanitize(raw string) string {
	folded, _, err := transform.String(foldASCII, raw)
	if err != nil {
		folded = raw
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	s := b.String()
	// Object names must start with a letter.
	if s != "" && !isLower(s[0]) {
		s = "s" + s
	}
	return s
}

func digest(hashLen int, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:hashLen]
}

func isLower(c byte) bool      { return c >= 'a' && c <= 'z' }
func isLowerAlnum(c byte) bool { return isLower(c) || (c >= '0' && c <= '9') }
func isAlnum(c byte) bool      { return isLowerAlnum(c) || (c >= 'A' && c <= 'Z') }
