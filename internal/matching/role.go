package matching

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRole is returned when a role string is not one of tank, dps or healer.
var ErrInvalidRole = errors.New("matching: invalid role")

// Role is the party position a candidate queues for.
type Role uint8

const (
	RoleTank Role = iota + 1
	RoleDPS
	RoleHealer
)

// ParseRole converts the wire form of a role into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tank":
		return RoleTank, nil
	case "dps":
		return RoleDPS, nil
	case "healer":
		return RoleHealer, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

func (r Role) String() string {
	switch r {
	case RoleTank:
		return "tank"
	case RoleDPS:
		return "dps"
	case RoleHealer:
		return "healer"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Valid reports whether r is one of the three defined roles.
func (r Role) Valid() bool {
	return r >= RoleTank && r <= RoleHealer
}

// MarshalText implements encoding.TextMarshaler so roles travel as strings.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
