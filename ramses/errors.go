// Package ramses implements the core of a RAMSES-II protocol engine: frame
// decoding, message validation, a live device/zone model, a QoS'd command
// protocol, and the binding and schedule state machines used by Honeywell
// evohome (and compatible) HVAC equipment talking over an HGI80/evofw3 USB
// radio gateway.
package ramses

import (
	"fmt"

	"github.com/pkg/errors"
)

// PacketInvalid is a recoverable error: the packet (or message built from it)
// is malformed and must be dropped, but the stream itself is healthy.
type PacketInvalid struct {
	Reason string
}

func (e *PacketInvalid) Error() string {
	return fmt.Sprintf("packet invalid: %s", e.Reason)
}

// PacketAddrSetInvalid is a PacketInvalid specialisation: the three-address
// set doesn't make sense for the code in question (see Dispatcher.checkAddrs).
type PacketAddrSetInvalid struct {
	PacketInvalid
}

// PacketPayloadInvalid is a PacketInvalid specialisation: the payload failed
// its per-(code,verb) grammar regex.
type PacketPayloadInvalid struct {
	PacketInvalid
}

func newPacketInvalid(format string, args ...any) error {
	return &PacketInvalid{Reason: fmt.Sprintf(format, args...)}
}

func newPacketAddrSetInvalid(format string, args ...any) error {
	return &PacketAddrSetInvalid{PacketInvalid{Reason: fmt.Sprintf(format, args...)}}
}

func newPacketPayloadInvalid(format string, args ...any) error {
	return &PacketPayloadInvalid{PacketInvalid{Reason: fmt.Sprintf(format, args...)}}
}

// ProtocolSendFailed is returned by Protocol.SendCmd once retries/timeout are
// exhausted without observing the required echo (and, if requested, reply).
type ProtocolSendFailed struct {
	Cmd    *Command
	Reason string
}

func (e *ProtocolSendFailed) Error() string {
	return fmt.Sprintf("send failed for %s: %s", e.Cmd.String(), e.Reason)
}

// ScheduleTimeout is surfaced to the caller of Gateway.GetSchedule/SetSchedule
// when ScheduleTransfer.Step is fed a 0006/0404 message after the transfer's
// deadline.
type ScheduleTimeout struct {
	ZoneIdx string
	Reason  string
}

func (e *ScheduleTimeout) Error() string {
	return fmt.Sprintf("schedule timeout for zone %s: %s", e.ZoneIdx, e.Reason)
}

// BindingTimeout is surfaced to the initiator of a binding when its deadline
// elapses without reaching Bound.
type BindingTimeout struct {
	DeviceID string
	State    string
}

func (e *BindingTimeout) Error() string {
	return fmt.Sprintf("binding timeout for %s in state %s", e.DeviceID, e.State)
}

// ConnectionLost is surfaced to every pending send and handler when the
// transport terminates (e.g. the serial port was unplugged).
type ConnectionLost struct {
	Cause error
}

func (e *ConnectionLost) Error() string {
	return fmt.Sprintf("connection lost: %v", e.Cause)
}

func (e *ConnectionLost) Unwrap() error { return e.Cause }

// wrapf is a thin veneer over pkg/errors.Wrapf, kept as a package-local helper
// so call sites read the same as the rest of the error-handling code.
func wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
