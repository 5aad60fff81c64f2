// Package auth carries the already-authenticated caller identity through
// the request path. Authentication itself happens upstream; the engine only
// performs authorization checks against this identity.
package auth

// Roles recognized by the billing engine.
const (
	RoleClient = "client"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// Actor is the authenticated caller of a user-initiated operation.
type Actor struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}
