package radio

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/chaz8081/bluescan/internal/bt"
)

// mapSocketError attaches a core sentinel to socket-level failures.
func mapSocketError(op string, err error) error {
	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("radio: rfcomm %s: %w: %v", op, bt.ErrPermissionDenied, err)
	case errors.Is(err, syscall.EAFNOSUPPORT), errors.Is(err, syscall.ENETDOWN), errors.Is(err, syscall.ENODEV):
		return fmt.Errorf("radio: rfcomm %s: %w: %v", op, bt.ErrAdapterDisabled, err)
	}
	return fmt.Errorf("radio: rfcomm %s: %w", op, err)
}
