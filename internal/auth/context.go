// Package auth implements the authentication gate: pluggable credential
// providers and component-, action-, and room-level authorization.
package auth

import "time"

// Context is the authenticated (or anonymous) identity attached to a
// connection. All capability predicates fail on an anonymous context.
type Context struct {
	Authenticated bool      `json:"authenticated"`
	UserID        string    `json:"userId,omitempty"`
	Roles         []string  `json:"roles,omitempty"`
	Permissions   []string  `json:"permissions,omitempty"`
	IssuedAt      time.Time `json:"issuedAt,omitempty"`
	Provider      string    `json:"provider,omitempty"` // which provider resolved this identity
}

// Anonymous returns the unauthenticated context.
func Anonymous() *Context {
	return &Context{Authenticated: false}
}

// HasRole reports whether the context carries the role.
func (c *Context) HasRole(role string) bool {
	if c == nil || !c.Authenticated {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the context carries at least one of the roles.
func (c *Context) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the context carries every role.
func (c *Context) HasAllRoles(roles ...string) bool {
	if c == nil || !c.Authenticated {
		return false
	}
	for _, r := range roles {
		if !c.HasRole(r) {
			return false
		}
	}
	return true
}

// HasPermission reports whether the context carries the permission.
func (c *Context) HasPermission(perm string) bool {
	if c == nil || !c.Authenticated {
		return false
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether the context carries at least one permission.
func (c *Context) HasAnyPermission(perms ...string) bool {
	for _, p := range perms {
		if c.HasPermission(p) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the context carries every permission.
func (c *Context) HasAllPermissions(perms ...string) bool {
	if c == nil || !c.Authenticated {
		return false
	}
	for _, p := range perms {
		if !c.HasPermission(p) {
			return false
		}
	}
	return true
}
