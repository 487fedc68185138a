package role

import (
	"fmt"
	"strings"
)

// Role is the account type of a platform user. The set is closed.
type Role string

const (
	Agent    Role = "agent"
	Landlord Role = "landlord"
	Tenant   Role = "tenant"
)

// All lists every known role.
var All = []Role{Agent, Landlord, Tenant}

// Parse converts a stored or user-supplied string into a Role.
func Parse(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	switch r {
	case Agent, Landlord, Tenant:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// matrix holds the allowed pairs. Only one orientation is stored; CanConverse checks both.
var matrix = map[[2]Role]bool{
	{Agent, Tenant}:    true,
	{Agent, Landlord}:  true,
	{Landlord, Tenant}: true,
}

// CanConverse reports whether users with roles a and b may hold a conversation.
// Same-role pairs are never allowed.
func CanConverse(a, b Role) bool {
	return matrix[[2]Role{a, b}] || matrix[[2]Role{b, a}]
}
