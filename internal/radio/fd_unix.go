//go:build unix

package radio

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// fileFromFD wraps a connected socket descriptor. The descriptor is switched
// to non-blocking so the runtime poller owns it and Close interrupts a
// pending Read.
func fileFromFD(fd int, name string) (io.ReadWriteCloser, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("radio: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), name), nil
}
