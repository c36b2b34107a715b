package models

import (
	"errors"
	"regexp"
	"strings"
)

// Scope is a jurisdiction / data-residency partition name.
type Scope string

const DefaultScope Scope = "default"

var (
	ErrMalformedID = errors.New("malformed identifier")

	scopePattern = regexp.MustCompile(`^[a-z0-9]{1,32}$`)
)

// ValidScope reports whether name can be embedded in identifiers.
func ValidScope(name string) bool {
	return scopePattern.MatchString(name)
}

// JoinID builds the external identifier {scope}.{token}.
func JoinID(scope Scope, token string) string {
	return string(scope) + "." + token
}

// SplitID extracts the partition carried by an identifier so that reveal and
// burn can be routed without knowing the originating host.
func SplitID(id string) (Scope, string, error) {
	scope, token, ok := strings.Cut(id, ".")
	if !ok || token == "" || !ValidScope(scope) || strings.ContainsAny(token, ".:") {
		return "", "", ErrMalformedID
	}
	return Scope(scope), token, nil
}

// RedactID shortens an identifier for logs. Secret and receipt IDs are
// bearer capabilities and are never logged in full.
func RedactID(id string) string {
	scope, token, err := SplitID(id)
	if err != nil {
		return "invalid"
	}
	if len(token) > 6 {
		token = token[:6]
	}
	return string(scope) + "." + token + "…"
}
