package shared

import (
	"context"
	"strings"
)

// Actor is the authenticated caller as asserted by the upstream gateway.
type Actor struct {
	ID          int64
	Permissions []string
}

// Can reports whether the actor holds perm.
func (a Actor) Can(perm string) bool {
	perm = strings.ToLower(strings.TrimSpace(perm))
	for _, p := range a.Permissions {
		if strings.ToLower(strings.TrimSpace(p)) == perm {
			return true
		}
	}
	return false
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
