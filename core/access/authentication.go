/*Package access provides the authentication and authorization hooks
for model views.

Authentication extracts opaque credentials from an inbound request;
Authorization decides what the holder of those credentials may see and
do. Both are small capability interfaces with permissive defaults, so
concrete policies only override what they need.
*/
package access

import (
	"context"
	"net/http"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const (
	contextKeyCredentials contextKey = "_credentials_"
)

// Credentials is the opaque per-request authorization context extracted
// by an Authentication. It is never persisted. A nil value means the
// request carries no credentials.
type Credentials interface{}

// Authentication extracts request credentials from an inbound request.
//
// RequestCredentials must be a pure function of the request. It is
// called once per request by the model view; the result is stored on
// the request context for the authorization hooks.
type Authentication interface {
	RequestCredentials(r *http.Request) Credentials
}

// ContextWithCredentials returns a new context with the credentials added to it
func ContextWithCredentials(ctx context.Context, credentials Credentials) context.Context {
	return context.WithValue(ctx, contextKeyCredentials, credentials)
}

// CredentialsFromContext retrieves the request credentials from the context.
// It returns nil if the request carries no credentials.
func CredentialsFromContext(ctx context.Context) Credentials {
	return ctx.Value(contextKeyCredentials)
}

// NoAuthentication is the default authentication: no request carries
// credentials.
type NoAuthentication struct{}

// RequestCredentials returns nil
func (NoAuthentication) RequestCredentials(r *http.Request) Credentials {
	return nil
}

// HeaderAuthentication reads an opaque token from a request header.
type HeaderAuthentication struct {
	// Header is the name of the header carrying the token
	Header string
}

// RequestCredentials returns the header value, or nil if the header is empty
func (a HeaderAuthentication) RequestCredentials(r *http.Request) Credentials {
	value := r.Header.Get(a.Header)
	if value == "" {
		return nil
	}
	return value
}
