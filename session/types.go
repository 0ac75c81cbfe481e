// Package session implements remote-backed session storage with owner
// caps, CSRF binding, and distinct invalidation outcomes.
package session

import (
	"time"
)

// Role is the coarse authorization level carried by a session.
type Role string

// Session roles.
const (
	RoleAnonymous Role = "anonymous"
	RoleUser      Role = "user"
	RoleOperator  Role = "operator"
	RoleAdmin     Role = "admin"
)

// Valid reports whether the role is one of the defined values.
func (r Role) Valid() bool {
	switch r {
	case RoleAnonymous, RoleUser, RoleOperator, RoleAdmin:
		return true
	}
	return false
}

// Data is the application payload of a session.
type Data struct {
	Role        Role              `json:"role"`
	DisplayName string            `json:"display_name,omitempty"`
	Origin      string            `json:"origin,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Session is one authenticated session record. Version increments on
// every Update; CSRF tokens are bound to a specific version, so an
// update invalidates previously issued tokens.
type Session struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Data      Data       `json:"data"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the session has been explicitly invalidated.
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

// Expired reports whether the session's lifetime has lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
