// payflow/pkg/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes shared by every service. A saga step maps each of them onto a
// terminal PaymentRequest status; the HTTP boundary maps them onto status codes.
const (
	CodeValidation    = "VALIDATION_FAILURE"
	CodeAuthorization = "AUTHORIZATION_FAILURE"
	CodeRemoteCall    = "REMOTE_CALL_FAILURE"
	CodePublish       = "PUBLISH_FAILURE"
	CodeIntegrity     = "INTEGRITY_VIOLATION"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
)

type E struct {
	Code    string
	Message string
	Err     error
}

func (e E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e E) Unwrap() error { return e.Err }

func Wrap(code, msg string, err error) error {
	return E{Code: code, Message: msg, Err: err}
}

func New(code, msg string) error {
	return E{Code: code, Message: msg}
}

// CodeOf returns the code of the outermost E in the chain, or "" if there is none.
func CodeOf(err error) string {
	var e E
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether any E in the chain carries code.
func Is(err error, code string) bool {
	for err != nil {
		if e, ok := err.(E); ok && e.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

func Validation(msg string) error    { return New(CodeValidation, msg) }
func Authorization(msg string) error { return New(CodeAuthorization, msg) }
func Integrity(msg string) error     { return New(CodeIntegrity, msg) }

func RemoteCall(msg string, err error) error { return Wrap(CodeRemoteCall, msg, err) }
func Publish(msg string, err error) error    { return Wrap(CodePublish, msg, err) }
