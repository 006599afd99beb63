package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context, creating a TreelineError if the input is not already one.
func Wrap(err error, errType ErrorType, code, message string) *TreelineError {
	if err == nil {
		return nil
	}

	var te *TreelineError
	if errors.As(err, &te) {
		return &TreelineError{
			Type:     errType,
			Code:     code,
			Message:  message,
			Cause:    err,
			Context:  te.Context,
			Resource: te.Resource,
			FilePath: te.FilePath,
			Line:     te.Line,
			Column:   te.Column,
		}
	}

	return &TreelineError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WrapIO wraps an error as an I/O error.
func WrapIO(err error, code, message string) *TreelineError {
	return Wrap(err, ErrorTypeIO, code, message)
}

// WrapConfig wraps an error as a configuration error.
func WrapConfig(err error, code, message string) *TreelineError {
	return Wrap(err, ErrorTypeConfig, code, message)
}

// WrapInternal wraps an error as an internal error.
func WrapInternal(err error, code, message string) *TreelineError {
	return Wrap(err, ErrorTypeInternal, code, message)
}

// FromPanic converts a recovered panic value into an error.
func FromPanic(recovered interface{}) error {
	if err, ok := recovered.(error); ok {
		return err
	}

	return fmt.Errorf("panic: %v", recovered)
}

// IsNotFound reports whether err means a route or resource does not exist.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeUnknownResource)
}

// IsCycle reports whether err was caused by a dependency or tree cycle.
func IsCycle(err error) bool {
	return IsType(err, ErrorTypeDependencyCycle) || IsType(err, ErrorTypeCyclicalStructure)
}

// CombineErrors combines multiple errors into a single error. The first error
// is the cause; the rest are attached as related errors.
func CombineErrors(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}

	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &TreelineError{
			Type:    ErrorTypeInternal,
			Code:    "ERR_MULTIPLE",
			Message: fmt.Sprintf("%d errors occurred", len(nonNil)),
			Cause:   nonNil[0],
			Related: nonNil[1:],
		}
	}
}
