package bt

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrPermissionDenied         = errors.New("bt: permission denied")
	ErrAdapterDisabled          = errors.New("bt: adapter disabled")
	ErrAlreadyScanning          = errors.New("bt: already scanning")
	ErrSessionBusy              = errors.New("bt: session busy")
	ErrPairingRequired          = errors.New("bt: pairing required")
	ErrNotConnected             = errors.New("bt: not connected")
	ErrNoWritableCharacteristic = errors.New("bt: no writable characteristic")
	ErrStreamClosed             = errors.New("bt: stream closed")
	ErrClosed                   = errors.New("bt: controller closed")

	// Kind sentinels matched by the typed errors below.
	ErrScanFailed    = errors.New("bt: scan failed")
	ErrConnectFailed = errors.New("bt: connect failed")
	ErrReadFailed    = errors.New("bt: read failed")
	ErrWriteFailed   = errors.New("bt: write failed")
)

// ScanError reports a transport scan failure code.
type ScanError struct {
	Code int
	Err  error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bt: scan failed (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("bt: scan failed (code %d)", e.Code)
}

func (e *ScanError) Is(target error) bool { return target == ErrScanFailed }
func (e *ScanError) Unwrap() error        { return e.Err }

// ConnectError reports why a connection could not be established or was lost.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bt: connect failed: %s: %v", e.Reason, e.Err)
	}
	return "bt: connect failed: " + e.Reason
}

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }
func (e *ConnectError) Unwrap() error        { return e.Err }

// ReadError reports a failed characteristic read.
type ReadError struct {
	Characteristic uuid.UUID
	Code           int
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("bt: read %s failed (status %d)", e.Characteristic, e.Code)
}

func (e *ReadError) Is(target error) bool { return target == ErrReadFailed }

// WriteError reports a failed write on either transport.
type WriteError struct {
	Code int
	Err  error
}

func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bt: write failed (status %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("bt: write failed (status %d)", e.Code)
}

func (e *WriteError) Is(target error) bool { return target == ErrWriteFailed }
func (e *WriteError) Unwrap() error        { return e.Err }
