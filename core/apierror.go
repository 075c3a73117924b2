package core

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// error codes used by the core itself. Authorization policies are free
// to declare their own codes.
const (
	CodeCredentialsMissing = "invalid_credentials.missing"
	CodeInvalidUser        = "invalid_user"
	CodeInvalidData        = "invalid_data"
	CodeRelatedNotFound    = "invalid_related.not_found"
	CodeRelatedMissingID   = "invalid_related.missing_id"
)

// Source locates the offending part of a request body, as a JSON pointer.
type Source struct {
	Pointer string `json:"pointer"`
}

// APIError is a typed API error with an HTTP status, a dot-separated
// machine-readable code and an optional source locator into the
// request body.
//
// Operation-level errors (401, 403, 404) are singular and abort the
// request immediately. Field-level errors (422) are collected into an
// ErrorList so that one response reports every offending field.
type APIError struct {
	Status int     `json:"-"`
	Code   string  `json:"code"`
	Detail string  `json:"detail,omitempty"`
	Source *Source `json:"source,omitempty"`
}

func (e *APIError) Error() string {
	if e.Source != nil {
		return fmt.Sprintf("%d %s at %s", e.Status, e.Code, e.Source.Pointer)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

// Unauthenticated is the error for requests lacking credentials on an
// endpoint that requires authentication.
func Unauthenticated() *APIError {
	return &APIError{Status: http.StatusUnauthorized, Code: CodeCredentialsMissing}
}

// Forbidden is the error for authorization rejections. An empty code
// defaults to "invalid_user".
func Forbidden(code string) *APIError {
	if code == "" {
		code = CodeInvalidUser
	}
	return &APIError{Status: http.StatusForbidden, Code: code}
}

// NotFound is the error for resources that do not exist, or exist but
// are invisible under the caller's query filter.
func NotFound() *APIError {
	return &APIError{Status: http.StatusNotFound, Code: "not_found"}
}

// FieldError is a field-level validation or related-resolution error.
// The pointer locates the offending field in the request body.
func FieldError(code, pointer string) *APIError {
	return &APIError{Status: http.StatusUnprocessableEntity, Code: code, Source: &Source{Pointer: pointer}}
}

// ErrorList accumulates field-level errors from independent fields of
// one request. The zero value is ready to use.
type ErrorList []*APIError

func (l ErrorList) Error() string {
	if len(l) == 1 {
		return l[0].Error()
	}
	return fmt.Sprintf("%d field errors", len(l))
}

// Add appends errors to the list
func (l *ErrorList) Add(errs ...*APIError) {
	*l = append(*l, errs...)
}

// OrNil returns the list as an error, or nil if no error was collected.
// The extra indirection is necessary because a typed nil inside an
// error interface is not nil.
func (l ErrorList) OrNil() error {
	if len(l) == 0 {
		return nil
	}
	return l
}

type errorResponse struct {
	Errors []*APIError `json:"errors"`
}

// WriteError writes err as a JSON error response with the shape
//
//	{"errors": [{"code": ..., "source": {"pointer": ...}}]}
//
// APIError and ErrorList keep their status and codes, anything else
// becomes an opaque 500.
func WriteError(w http.ResponseWriter, err error) {
	var response errorResponse
	status := http.StatusInternalServerError

	switch e := err.(type) {
	case *APIError:
		status = e.Status
		response.Errors = []*APIError{e}
	case ErrorList:
		status = http.StatusUnprocessableEntity
		response.Errors = e
	default:
		response.Errors = []*APIError{{Code: "internal"}}
	}

	jsonData, _ := json.MarshalWithOption(response, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}
