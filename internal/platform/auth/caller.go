package auth

import (
	"context"
	"slices"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Roles recognised by the route guards.
const (
	RoleAdmin        = "admin"
	RoleAnalyst      = "analyst"
	RoleHealthWorker = "health_worker"
)

// Caller is the authenticated identity a request acts as.
type Caller struct {
	UserID string
	Roles  []string
}

// IsAdmin reports whether the caller holds the admin role.
func (c Caller) IsAdmin() bool {
	return slices.Contains(c.Roles, RoleAdmin)
}

// CanActFor reports whether the caller owns a resource or is an admin.
func (c Caller) CanActFor(ownerUserID string) bool {
	return c.IsAdmin() || (c.UserID != "" && c.UserID == ownerUserID)
}

// WithCaller stores the caller's identity on ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, c.UserID)
	return context.WithValue(ctx, UserRolesKey, c.Roles)
}

// CallerFromContext rebuilds the caller from ctx. The zero Caller is
// returned for unauthenticated contexts.
func CallerFromContext(ctx context.Context) Caller {
	return Caller{UserID: UserIDFromContext(ctx), Roles: RolesFromContext(ctx)}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
