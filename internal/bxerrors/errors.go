/*
Package bxerrors implements the client's error taxonomy: a single
structured Error type tagged with a Kind, carrying an optional HTTP
status, response body, and stack trace, plus one constructor per
failure class. The public API never panics or lets a raw error escape
unconverted.
*/
package bxerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags an Error with its failure class.
type Kind string

const (
	KindNoInstallApp       Kind = "no_install_app"
	KindModuleError        Kind = "module_error"
	KindNetworkError       Kind = "network_error"
	KindClientError        Kind = "client_error"
	KindServerError        Kind = "server_error"
	KindRedirectError      Kind = "redirect_error"
	KindResponseParseError Kind = "response_parse_error"
	KindUnexpectedStatus   Kind = "unexpected_status"
	KindInstallError       Kind = "install_error"
)

// Error is the structured envelope every public operation returns
// instead of an ad-hoc error value.
type Error struct {
	Kind        Kind
	Description string
	Status      int
	Body        any
	Stack       string
	Cause       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bitrix24: %s: %s (status %d)", e.Kind, e.Description, e.Status)
	}
	return fmt.Sprintf("bitrix24: %s: %s", e.Kind, e.Description)
}

// Unwrap lets errors.Is/errors.As reach the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// LogProperties exposes the structured fields worth attaching to a log
// record for this error, so internal/logging can enrich its error
// expansion without importing this package.
func (e *Error) LogProperties() map[string]any {
	props := map[string]any{"kind": string(e.Kind)}
	if e.Status != 0 {
		props["status"] = e.Status
	}
	if e.Body != nil {
		props["body"] = e.Body
	}
	if e.Stack != "" {
		props["stack"] = strings.Split(e.Stack, "\n")
	}
	return props
}

// Is reports whether target is an *Error with the same Kind, so
// callers can do errors.Is(err, &bxerrors.Error{Kind: k}) — but the
// idiomatic path is errors.As followed by a switch on Kind; Is exists
// for callers that only care "is this a no_install_app error".
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// As reports whether err is (or wraps) a *bxerrors.Error and, if so,
// returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func NewNoInstallApp(description string) *Error {
	return &Error{Kind: KindNoInstallApp, Description: description}
}

func NewModuleError(description string, cause error, stack string) *Error {
	return &Error{Kind: KindModuleError, Description: description, Cause: cause, Stack: stack}
}

func NewNetworkError(description string, cause error) *Error {
	return &Error{Kind: KindNetworkError, Description: description, Cause: cause}
}

func NewClientError(status int, body any, description string) *Error {
	return &Error{Kind: KindClientError, Status: status, Body: body, Description: description}
}

func NewServerError(status int, body any, description string) *Error {
	return &Error{Kind: KindServerError, Status: status, Body: body, Description: description}
}

func NewRedirectError(description string) *Error {
	return &Error{Kind: KindRedirectError, Description: description}
}

func NewResponseParseError(status int, contentType string) *Error {
	return &Error{
		Kind:        KindResponseParseError,
		Status:      status,
		Description: fmt.Sprintf("could not parse response body (content-type %q)", contentType),
	}
}

func NewUnexpectedStatus(status int) *Error {
	return &Error{
		Kind:        KindUnexpectedStatus,
		Status:      status,
		Description: fmt.Sprintf("unexpected HTTP status %d", status),
	}
}

func NewInstallError(description string, cause error, stack string) *Error {
	return &Error{Kind: KindInstallError, Description: description, Cause: cause, Stack: stack}
}
