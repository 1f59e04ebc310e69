package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Operation represents a backend storage operation on a resource.
type Operation string

// all supported resource operations
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
	OperationSearch Operation = "search"
	OperationAttach Operation = "attach"
	OperationDetach Operation = "detach"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete,
		OperationList, OperationSearch, OperationAttach, OperationDetach:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Operation", s)
	}
}

// Plural returns the plural form of the passed singular string.
//
// This is the algorithm used to create idiomatic REST routes
func Plural(singular string) string {
	if strings.HasSuffix(singular, "y") {
		return strings.TrimSuffix(singular, "y") + "ies"
	}
	if strings.HasSuffix(singular, "child") {
		return strings.TrimSuffix(singular, "child") + "children"
	}
	return singular + "s"
}

// SnakeCase converts camelCase property names to their snake_case index
// representation. Example: "firstName" becomes "first_name". Names that
// are already snake_case pass through unchanged. A single leading
// underscore is preserved.
func SnakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if 'A' <= r && r <= 'Z' {
			if i > 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r + 'a' - 'A')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
