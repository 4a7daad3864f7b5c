package guid

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Prefix identifies the entity family a GUID belongs to.
type Prefix string

const (
	PrefixTenant     Prefix = "tea"
	PrefixUser       Prefix = "usr"
	PrefixAgent      Prefix = "agt"
	PrefixJob        Prefix = "job"
	PrefixConnector  Prefix = "con"
	PrefixCollection Prefix = "col"
	PrefixAPIToken   Prefix = "tok"
	PrefixRegToken   Prefix = "art"
	PrefixManifest   Prefix = "rel"
	PrefixCamera     Prefix = "fld"
)

// idLen is the length of the ULID portion of a GUID.
const idLen = 26

// New returns a fresh GUID: <prefix>_<26-char lowercase ULID>. ULIDs sort
// lexicographically in creation order, so listings keyed by GUID come back
// roughly chronological.
func New(p Prefix) string {
	return string(p) + "_" + strings.ToLower(ulid.Make().String())
}

// Valid reports whether s is a well-formed GUID carrying the given prefix.
func Valid(p Prefix, s string) bool {
	want := string(p) + "_"
	if !strings.HasPrefix(s, want) {
		return false
	}
	id := s[len(want):]
	if len(id) != idLen {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(id))
	return err == nil
}

// PrefixOf extracts the prefix of a GUID, or an error if s has no
// recognizable shape.
func PrefixOf(s string) (Prefix, error) {
	i := strings.IndexByte(s, '_')
	if i <= 0 || len(s)-i-1 != idLen {
		return "", fmt.Errorf("malformed guid: %q", s)
	}
	return Prefix(s[:i]), nil
}
