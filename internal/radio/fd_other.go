//go:build !unix

package radio

import (
	"io"
	"os"
)

func fileFromFD(fd int, name string) (io.ReadWriteCloser, error) {
	return os.NewFile(uintptr(fd), name), nil
}
