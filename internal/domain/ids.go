package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID prefixes. Every persisted entity carries one so that a raw string can be
// validated before it touches the database.
const (
	PrefixResource = "res_"
	PrefixSession  = "sess_"
	PrefixAgent    = "agent_"
	PrefixSubagent = "subagent_"
	PrefixMessage  = "msg_"
	PrefixBlock    = "blk_"
	PrefixUnit     = "unit_"
	PrefixSegment  = "seg_"
)

// NewID generates a prefixed, lexicographically sortable ID.
func NewID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	return prefix + strings.ToLower(id.String())
}

// ValidateID checks that id carries one of the allowed prefixes and a body.
func ValidateID(id string, prefixes ...string) error {
	for _, p := range prefixes {
		if strings.HasPrefix(id, p) && len(id) > len(p) {
			return nil
		}
	}
	return Validationf("invalid id %q, expected prefix %s", id, strings.Join(prefixes, "|"))
}

// SessionIDValid reports whether id is a valid chat session ID of any variant.
func SessionIDValid(id string) bool {
	return ValidateID(id, PrefixSession, PrefixAgent, PrefixSubagent) == nil
}
