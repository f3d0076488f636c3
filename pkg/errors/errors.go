package errors

import (
	"fmt"

	pkgErrors "github.com/pkg/errors"
)

// New returns an error with the given message and a stack trace.
func New(msg string) error {
	return pkgErrors.New(msg)
}

// Errorf returns an error formatted according to the format specifier.
func Errorf(format string, args ...interface{}) error {
	return pkgErrors.Errorf(format, args...)
}

// WithContext annotates `err` with a short description of the operation that
// failed. It returns nil if `err` is nil.
func WithContext(err error, context string) error {
	return pkgErrors.WithMessage(err, context)
}

// RootCause returns the innermost error that was wrapped by WithContext.
func RootCause(err error) error {
	return pkgErrors.Cause(err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return pkgErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return pkgErrors.As(err, target)
}

// FriendlyError is an error whose message is meant to be shown to the user
// verbatim, without the usual context chain.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

// NewFriendlyError creates an error that's printed without any additional
// context when it causes the process to exit.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// GetPrintableMessage returns the message that should be shown to the user
// for `err`. Friendly errors anywhere in the chain take precedence.
func GetPrintableMessage(err error) string {
	var friendly FriendlyError
	if As(err, &friendly) {
		return friendly.FriendlyMessage()
	}

	if friendly, ok := RootCause(err).(FriendlyError); ok {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
