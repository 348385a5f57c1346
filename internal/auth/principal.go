package auth

import (
	"fmt"
	"strings"
)

// Role enumerates the account kinds that may open realtime connections.
type Role string

const (
	// RolePatient identifies a patient account.
	RolePatient Role = "patient"
	// RoleDoctor identifies a doctor account.
	RoleDoctor Role = "doctor"
	// RoleAdmin identifies an administrator or a trusted backend producer.
	RoleAdmin Role = "admin"
)

// ParseRole normalizes raw input into a known Role.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RolePatient:
		return RolePatient, nil
	case RoleDoctor:
		return RoleDoctor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("auth: unknown role %q", raw)
	}
}

// String returns the wire form of the role.
func (r Role) String() string {
	return string(r)
}

// Principal is the authenticated identity bound to a connection or request.
type Principal struct {
	ID   string
	Role Role
}

// IsZero reports whether the principal carries no identity.
func (p Principal) IsZero() bool {
	return p.ID == "" && p.Role == ""
}
