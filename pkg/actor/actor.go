// Package actor identifies the user performing stock operations and the
// hospital scope those operations run under. The values are extracted from
// request headers set by the authentication layer, which lives outside this
// service.
package actor

import (
	"context"
	"fmt"
)

// Actor represents the entity performing an action in the system.
type Actor struct {
	// ID is the unique identifier of the actor (user ID)
	ID string `json:"id"`

	// Name is the actor's display name
	Name string `json:"name"`

	// Email is the actor's email address
	Email string `json:"email"`

	// HospitalID scopes every stock operation to one hospital
	HospitalID string `json:"hospital_id"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.Email)
}

// contextKey is the type for context keys to avoid collisions
type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present (e.g., system operations).
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// UserID returns the actor's user ID, or "system" when no actor is present.
func UserID(ctx context.Context) string {
	a := FromContext(ctx)
	if a == nil || a.ID == "" {
		return "system"
	}
	return a.ID
}

// HospitalID returns the hospital scope from the context, or empty when absent.
func HospitalID(ctx context.Context) string {
	a := FromContext(ctx)
	if a == nil {
		return ""
	}
	return a.HospitalID
}
