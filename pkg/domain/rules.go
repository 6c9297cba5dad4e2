package domain

import "context"

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the permissive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny rejects with a reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Authorizer evaluates whether a command may run. It is consulted before
// any executable of the command runs; model is nil for create-type events.
type Authorizer interface {
	Authorize(ctx context.Context, cmd Command, model *Model, cctx CommandContext) Decision
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, cmd Command, model *Model, cctx CommandContext) Decision

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, cmd Command, model *Model, cctx CommandContext) Decision {
	return f(ctx, cmd, model, cctx)
}

// AllowAll is the default authorizer.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, Command, *Model, CommandContext) Decision {
	return Allow()
})

// Authorizers chains several authorizers; the first denial wins.
type Authorizers []Authorizer

// Authorize implements Authorizer.
func (a Authorizers) Authorize(ctx context.Context, cmd Command, model *Model, cctx CommandContext) Decision {
	for _, auth := range a {
		if d := auth.Authorize(ctx, cmd, model, cctx); !d.Allowed {
			return d
		}
	}
	return Allow()
}
