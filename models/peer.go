package models

import "fmt"

// Identity is one of the two fixed chat participants.
type Identity string

const (
	// IdentityAdmin is the privileged participant. It may change the
	// retention horizon and delete messages by hand.
	IdentityAdmin Identity = "admin"
	// IdentityUser is the regular participant.
	IdentityUser Identity = "user"
)

// ParseIdentity validates a raw identity tag.
func ParseIdentity(raw string) (Identity, error) {
	id := Identity(raw)
	if !id.Valid() {
		return "", fmt.Errorf("%w: unknown identity %q", ErrValidation, raw)
	}
	return id, nil
}

// Valid reports whether the identity is one of the two fixed tags.
func (i Identity) Valid() bool {
	return i == IdentityAdmin || i == IdentityUser
}

// Peer returns the other participant.
func (i Identity) Peer() Identity {
	switch i {
	case IdentityAdmin:
		return IdentityUser
	case IdentityUser:
		return IdentityAdmin
	default:
		return ""
	}
}

// Privileged reports whether the identity may run admin-only actions.
func (i Identity) Privileged() bool {
	return i == IdentityAdmin
}

func (i Identity) String() string {
	return string(i)
}
