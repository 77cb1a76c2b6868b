//go:build !linux

package radio

import (
	"context"
	"errors"
	"io"
)

// DialChannel is only available with the Linux Bluetooth socket family.
func DialChannel(context.Context, string, int) (io.ReadWriteCloser, error) {
	return nil, errors.New("radio: raw rfcomm sockets require linux")
}
