// Package engerr defines the engine's typed error kinds and their
// dispositions, per the error handling design: some abort the run,
// some are recorded against a single node and swallowed by the
// executor so traversal can continue.
package engerr

import "fmt"

// ManifestError signals a structurally invalid manifest. Fatal at load.
type ManifestError struct {
	Msg string
}

func (e *ManifestError) Error() string { return fmt.Sprintf("manifest error: %s", e.Msg) }

func NewManifestError(format string, args ...any) *ManifestError {
	return &ManifestError{Msg: fmt.Sprintf(format, args...)}
}

// CredentialError signals a required credential was not supplied. Fatal
// before execution begins.
type CredentialError struct {
	Fields []string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("missing required credentials: %v", e.Fields)
}

// ExpressionError signals an unresolved variable or malformed
// expression. Its disposition depends on the call site: a skip during
// URL pre-check, a non-match in a classifier, or an empty extraction
// result in a select.
type ExpressionError struct {
	Expr string
	Msg  string
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression error in %q: %s", e.Expr, e.Msg)
}

func NewExpressionError(expr, format string, args ...any) *ExpressionError {
	return &ExpressionError{Expr: expr, Msg: fmt.Sprintf(format, args...)}
}

// HTTPError signals a non-ok response not classified as retryable, or a
// transport error surviving the attempt ceiling. Recorded against the
// node that produced it; does not abort the run.
type HTTPError struct {
	RequestName string
	Status      int
	Msg         string
}

func (e *HTTPError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: http %d: %s", e.RequestName, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.RequestName, e.Msg)
}

func NewHTTPError(requestName string, status int, format string, args ...any) *HTTPError {
	return &HTTPError{RequestName: requestName, Status: status, Msg: fmt.Sprintf(format, args...)}
}

// FailConditionTriggered signals a transformer's failwhere matched.
// Same disposition as HTTPError at the node it occurred on.
type FailConditionTriggered struct {
	RequestName string
	Msg         string
}

func (e *FailConditionTriggered) Error() string {
	return fmt.Sprintf("%s: fail condition triggered: %s", e.RequestName, e.Msg)
}

// OAuth2Error signals any failure of the interactive authorization
// flow. Fatal — aborts the run.
type OAuth2Error struct {
	Msg string
}

func (e *OAuth2Error) Error() string { return fmt.Sprintf("oauth2 error: %s", e.Msg) }

func NewOAuth2Error(format string, args ...any) *OAuth2Error {
	return &OAuth2Error{Msg: fmt.Sprintf(format, args...)}
}

// IOError signals a token store or output write failure. Surfaced
// immediately; fatal.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("io error during %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

func NewIOError(op string, err error) *IOError {
	return &IOError{Op: op, Err: err}
}
