package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Operation represents a backend storage operation, one of Create, Read, Update, Delete, List
type Operation string

// all supported resource operations
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// Item is a single resource record as an untyped JSON document. Keys
// are column respectively property names.
type Item = map[string]interface{}

// Plural returns the plural form of the passed singular string.
//
// This is the algorithm used to create idiomatic REST routes and
// table names.
func Plural(singular string) string {
	if strings.HasSuffix(singular, "y") {
		return strings.TrimSuffix(singular, "y") + "ies"
	}
	if strings.HasSuffix(singular, "child") {
		return strings.TrimSuffix(singular, "child") + "children"
	}
	return singular + "s"
}
