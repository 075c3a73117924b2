package core

import (
	"context"

	"github.com/google/uuid"
)

// Notifier is an interface to receive resource mutation notifications.
//
// Notify is called after the mutating transaction has been committed,
// with the resource's singular name, the operation and the JSON
// representation of the object.
type Notifier interface {
	Notify(ctx context.Context, resource string, operation Operation, resourceID uuid.UUID, payload []byte) error
}
