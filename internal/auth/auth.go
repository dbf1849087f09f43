// Package auth resolves the caller identity behind a request, the
// "currently-authenticated user" that field policies and match_login
// checks consume. It does not implement accounts, sessions, or
// authorization policy — only identity extraction from a request, down
// to the single field internal/reqcontext.RequestContext needs:
// Username.
package auth

import (
	"context"
	"net/http"
)

// Identity is the authenticated caller behind a request. Subject carries
// whatever the authenticator resolved (a JWT subject claim, an API key's
// configured name); it is compared verbatim against a row's match_login
// field by internal/rowstream.
type Identity struct {
	Subject string
}

type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity attached to ctx, if any.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// Authenticator attempts to resolve an Identity from an inbound request.
// Returning nil means "no opinion" — RequestBridge treats the request as
// unauthenticated rather than rejecting it, since authentication itself
// is out of scope; only its result feeds policy decisions.
type Authenticator interface {
	Authenticate(r *http.Request) *Identity
}

// Chain tries each Authenticator in order and returns the first non-nil
// Identity, or nil if none recognised the request.
type Chain []Authenticator

// Authenticate implements Authenticator.
func (c Chain) Authenticate(r *http.Request) *Identity {
	for _, a := range c {
		if id := a.Authenticate(r); id != nil {
			return id
		}
	}
	return nil
}
