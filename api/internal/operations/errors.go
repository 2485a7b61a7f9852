package operations

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDevice       = errors.New("invalid device identifiers")
	ErrOperationManagement = errors.New("operation management failed")
	ErrOperationNotFound   = errors.New("operation not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	// ErrAccessDenied also matches ErrOperationManagement.
	ErrAccessDenied = fmt.Errorf("%w: access denied", ErrOperationManagement)
)

func managementError(msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrOperationManagement, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrOperationManagement, msg, cause)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
