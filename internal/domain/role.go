package domain

import (
	"errors"
	"fmt"
)

var ErrUnknownRole = errors.New("unknown role")

// Role is the participation role of a peer in a discussion room.
type Role uint8

const (
	RoleAudience Role = iota + 1
	RoleSpeaker
	RoleModerator
)

var roleNames = map[Role]string{
	RoleAudience:  "audience",
	RoleSpeaker:   "speaker",
	RoleModerator: "moderator",
}

// ParseRole accepts only the three known role names. Unknown or empty roles
// are rejected instead of falling back to audience.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

func (r Role) MarshalText() ([]byte, error) {
	if _, ok := roleNames[r]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
