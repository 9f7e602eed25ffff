package protocol

import "fmt"

// Code identifies one entry of the closed error taxonomy shared between
// the gateway and its clients. Handlers return *Error values carrying a
// Code; the router serializes them onto the wire.
type Code string

const (
	CodeParseError        Code = "PARSE_ERROR"
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeUnknownOperation  Code = "UNKNOWN_OPERATION"
	CodeValidationError   Code = "VALIDATION_ERROR"
	CodeBucketNotDefined  Code = "BUCKET_NOT_DEFINED"
	CodeQueryNotDefined   Code = "QUERY_NOT_DEFINED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeConflict          Code = "CONFLICT"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeBackpressure      Code = "BACKPRESSURE" // reserved: pushes are dropped silently
	CodeRulesNotAvailable Code = "RULES_NOT_AVAILABLE"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is the handler-level error carried back to the client as an
// error response. Details is optional structured context and is stripped
// from the wire when the gateway is configured not to expose it.
type Error struct {
	Code    Code
	Message string
	Details any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds an *Error without details.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Ef builds an *Error with a formatted message.
func Ef(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// AsError coerces any handler failure into a protocol error. Unknown
// errors surface generically; the real cause stays in the server log.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return E(CodeInternal, "internal server error")
}
