package modbus

import (
	"errors"
	"fmt"
)

// ConnectReason classifies why a connection attempt failed
type ConnectReason string

const (
	ConnectTimeout       ConnectReason = "timeout"
	ConnectRefused       ConnectReason = "refused"
	ConnectInvalidConfig ConnectReason = "invalid_config"
)

// ConnectError is returned when a transport session cannot be established.
// It is fatal to the attempted connection but never to the process.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("connect failed (%s)", e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadReason classifies why a read failed
type ReadReason string

const (
	ReadTimeout  ReadReason = "timeout"
	ReadProtocol ReadReason = "protocol_error"
	ReadLinkDown ReadReason = "link_down"
)

// ReadError is returned when a register read fails at the transport or
// protocol level. Well-formed Modbus exception responses are not ReadErrors;
// they surface as DeviceError.
type ReadError struct {
	Reason ReadReason
	Err    error
}

func (e *ReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("read failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("read failed (%s)", e.Reason)
}

func (e *ReadError) Unwrap() error { return e.Err }

// HardLink reports whether the failure indicates a severed link
// (as opposed to a transient response timeout).
func (e *ReadError) HardLink() bool { return e.Reason == ReadLinkDown }

// DeviceError wraps a valid Modbus exception response (e.g. illegal data
// address). The link is healthy; the request was rejected by the device.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device exception: %v", e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// AsReadError extracts a *ReadError from err, if any
func AsReadError(err error) (*ReadError, bool) {
	var re *ReadError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsDeviceError reports whether err wraps a Modbus exception response
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
