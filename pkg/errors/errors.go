// Package errors defines the typed errors surfaced by wiremux. Configuration
// errors (DuplicateBinding, UnboundChannel) represent programming mistakes
// caught at setup or dispatch time; transport errors (BindFailed,
// ConnectFailed, DeliveryFailed) are expected operational occurrences;
// DecodeFailure is scoped to a single envelope.
package errors

import "fmt"

type DuplicateBinding struct {
	Direction     string
	Channel       uint8
	BoundType     string
	AttemptedType string
}

func (e *DuplicateBinding) Error() string {
	return fmt.Sprintf("channel %d (%s) is already bound to %s, cannot bind %s", e.Channel, e.Direction, e.BoundType, e.AttemptedType)
}

type UnboundChannel struct {
	Direction string
	Channel   uint8
}

func (e *UnboundChannel) Error() string {
	return fmt.Sprintf("no binding for channel %d (%s)", e.Channel, e.Direction)
}

// UnboundType is returned by the typed send/receive operations when the
// value's Go type was never bound for the requested direction.
type UnboundType struct {
	Direction string
	TypeName  string
}

func (e *UnboundType) Error() string {
	return fmt.Sprintf("type %s is not bound to any channel (%s)", e.TypeName, e.Direction)
}

type DecodeFailure struct {
	Channel  uint8
	TypeName string
	Cause    error
}

func (e *DecodeFailure) Error() string {
	return fmt.Sprintf("failed to decode %s payload on channel %d: %v", e.TypeName, e.Channel, e.Cause)
}

func (e *DecodeFailure) Unwrap() error {
	return e.Cause
}

type EncodeFailure struct {
	Channel  uint8
	TypeName string
	Cause    error
}

func (e *EncodeFailure) Error() string {
	return fmt.Sprintf("failed to encode %s value for channel %d: %v", e.TypeName, e.Channel, e.Cause)
}

func (e *EncodeFailure) Unwrap() error {
	return e.Cause
}

type BindFailed struct {
	Address string
	Cause   error
}

func (e *BindFailed) Error() string {
	return fmt.Sprintf("failed to bind transport at %s: %v", e.Address, e.Cause)
}

func (e *BindFailed) Unwrap() error {
	return e.Cause
}

type ConnectFailed struct {
	Address string
	Cause   error
}

func (e *ConnectFailed) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Address, e.Cause)
}

func (e *ConnectFailed) Unwrap() error {
	return e.Cause
}

type DeliveryFailed struct {
	Channel  uint8
	ClientId uint64
}

func (e *DeliveryFailed) Error() string {
	return fmt.Sprintf("could not deliver message on channel %d, client %d is not connected", e.Channel, e.ClientId)
}

type NotConnected struct {
	Operation string
}

func (e *NotConnected) Error() string {
	return fmt.Sprintf("cannot %s: transport is not connected", e.Operation)
}

// UnsupportedRole is returned when a role-specific transport is asked to
// perform the other role's lifecycle operation (e.g. Connect on a server
// transport).
type UnsupportedRole struct {
	Transport string
	Operation string
}

func (e *UnsupportedRole) Error() string {
	return fmt.Sprintf("transport %s does not support %s", e.Transport, e.Operation)
}

//
// Wire-level parsing errors, shared by the frame serializers.

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type InvalidHeaderVersion struct {
	ExpectedMagicNumber uint32
	ActualMagicNumber   uint32
	ExpectedVersion     uint8
	ActualVersion       uint8
}

func (e *InvalidHeaderVersion) Error() string {
	return fmt.Sprintf("Invalid header: expected MagicNumber=%d, got MagicNumber=%d. Expected version %d, got %d", e.ExpectedMagicNumber, e.ActualMagicNumber, e.ExpectedVersion, e.ActualVersion)
}

type HandshakeRejected struct {
	Reason string
}

func (e *HandshakeRejected) Error() string {
	return fmt.Sprintf("server rejected connection: %s", e.Reason)
}
