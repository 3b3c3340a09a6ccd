package identity

import "context"

// User is the authenticated caller as seen by the order and payment services.
type User struct {
	ID       string
	Username string
	Role     string
}

// RoleAdmin marks operator tokens; customers carry no role.
const RoleAdmin = "admin"

type userKey struct{}

func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// FromContext returns the caller attached by the auth middleware.
func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok && u.ID != ""
}
