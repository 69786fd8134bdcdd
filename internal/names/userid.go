package names

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UserIdLen is the wire length of an identity token: one prefix byte
// ('a' anonymous, 'l' linked) followed by 32 hex chars.
const UserIdLen = 33

const (
	prefixAnonymous = 'a'
	prefixLinked    = 'l'
)

var ErrBadUserId = errors.New("malformed user id")

// UserId identifies a chat identity across reconnects. Anonymous ids are
// minted server-side and handed to the client in the Setup frame; linked
// ids come from an account system. Comparable, usable as a map key.
type UserId struct {
	linked bool
	id     uuid.UUID
}

// NewAnonymousUserId mints a fresh anonymous identity.
func NewAnonymousUserId() UserId {
	return UserId{id: uuid.New()}
}

// ParseUserId parses the 33-char token form. Anything else is ErrBadUserId.
func ParseUserId(s string) (UserId, error) {
	if len(s) != UserIdLen {
		return UserId{}, fmt.Errorf("%w: length %d", ErrBadUserId, len(s))
	}

	var linked bool
	switch s[0] {
	case prefixAnonymous:
	case prefixLinked:
		linked = true
	default:
		return UserId{}, fmt.Errorf("%w: prefix %q", ErrBadUserId, s[0])
	}

	// 32 chars, so uuid accepts only the raw hex form here.
	id, err := uuid.Parse(s[1:])
	if err != nil {
		return UserId{}, fmt.Errorf("%w: %v", ErrBadUserId, err)
	}

	return UserId{linked: linked, id: id}, nil
}

// Linked reports whether the id is bound to an account.
func (u UserId) Linked() bool { return u.linked }

func (u UserId) String() string {
	p := byte(prefixAnonymous)
	if u.linked {
		p = prefixLinked
	}
	return string(p) + hex.EncodeToString(u.id[:])
}
