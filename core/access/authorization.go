package access

import (
	"context"

	"gorm.io/gorm"

	"github.com/relabs-tech/modelapi/core"
)

/*Authorization decides what the holder of the request credentials may
see and do.

The capability set is deliberately small:

FilterQuery narrows a collection query to the records the caller may
see at all. It is applied to every read, including lookup by id, so an
existing but invisible record answers 404, never 403. This keeps
visibility separate from permission and prevents existence leakage.

The three item hooks run after the item has been located but before
the mutation is committed. Each returns nil or a 403 *core.APIError
with an application-defined code.

AuthorizeRequest runs first on every request and is the place to
demand credentials at all; it returns a 401 before any query executes.

Concrete policies embed AllowAll or HasAnyCredentials and override
only what they need.
*/
type Authorization interface {
	// AuthorizeRequest authorizes the request as a whole, before any
	// query or mutation executes.
	AuthorizeRequest(ctx context.Context) error
	// FilterQuery narrows query to the records the caller may see.
	FilterQuery(ctx context.Context, query *gorm.DB) *gorm.DB
	// AuthorizeSaveItem authorizes creation of item.
	AuthorizeSaveItem(ctx context.Context, item core.Item) error
	// AuthorizeUpdateItem authorizes applying data to the existing item.
	AuthorizeUpdateItem(ctx context.Context, item core.Item, data core.Item) error
	// AuthorizeDeleteItem authorizes deletion of item.
	AuthorizeDeleteItem(ctx context.Context, item core.Item) error
}

// AllowAll is the default authorization: no visibility filter, every
// operation permitted.
type AllowAll struct{}

// AuthorizeRequest permits the request
func (AllowAll) AuthorizeRequest(ctx context.Context) error {
	return nil
}

// FilterQuery returns the query unchanged
func (AllowAll) FilterQuery(ctx context.Context, query *gorm.DB) *gorm.DB {
	return query
}

// AuthorizeSaveItem permits the operation
func (AllowAll) AuthorizeSaveItem(ctx context.Context, item core.Item) error {
	return nil
}

// AuthorizeUpdateItem permits the operation
func (AllowAll) AuthorizeUpdateItem(ctx context.Context, item core.Item, data core.Item) error {
	return nil
}

// AuthorizeDeleteItem permits the operation
func (AllowAll) AuthorizeDeleteItem(ctx context.Context, item core.Item) error {
	return nil
}

// HasAnyCredentials permits everything to callers that present any
// credentials at all, and rejects unauthenticated requests with a 401
// before any query executes.
type HasAnyCredentials struct {
	AllowAll
}

// AuthorizeRequest fails with invalid_credentials.missing if the
// request carries no credentials
func (HasAnyCredentials) AuthorizeRequest(ctx context.Context) error {
	if CredentialsFromContext(ctx) == nil {
		return core.Unauthenticated()
	}
	return nil
}
