//go:build linux

package radio

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"
)

// DialChannel opens an RFCOMM stream socket straight to channel on addr,
// bypassing SDP and BlueZ profiles.
func DialChannel(ctx context.Context, addr string, channel int) (io.ReadWriteCloser, error) {
	if channel < 1 || channel > 30 {
		return nil, fmt.Errorf("radio: rfcomm channel %d out of range", channel)
	}
	raw, err := bdaddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, mapSocketError("socket", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: raw, Channel: uint8(channel)}

	done := make(chan error, 1)
	go func() { done <- unix.Connect(fd, sa) }()

	select {
	case err := <-done:
		if err != nil {
			unix.Close(fd)
			return nil, mapSocketError("connect", err)
		}
	case <-ctx.Done():
		// Shutdown aborts the in-progress connect; wait for it before closing.
		unix.Shutdown(fd, unix.SHUT_RDWR)
		<-done
		unix.Close(fd)
		return nil, fmt.Errorf("radio: rfcomm connect %s: %w", addr, ctx.Err())
	}

	slog.Debug("[RFCOMM] socket connected", "addr", addr, "channel", channel)
	return fileFromFD(fd, "rfcomm:"+addr)
}
