// Package native defines the contract between a cooperative scheduler and the
// native (non-sandboxed) drivers it hosts.
//
// A driver never calls the scheduler. It reports what it wants to do through
// the events returned by Program.NextEvent, and the scheduler feeds it inbound
// messages, process terminations and replies through the other methods.
package native

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Pid identifies a process.
type Pid uint64

// MessageID correlates a message with its answer. It is assigned by the
// scheduler, never by the emitter.
type MessageID uint64

// InterfaceHash names a message interface.
type InterfaceHash [32]byte

// InterfaceHashOf derives an interface hash from a human readable name.
func InterfaceHashOf(name string) InterfaceHash {
	return sha256.Sum256([]byte(name))
}

func (h InterfaceHash) String() string {
	return hex.EncodeToString(h[:6])
}

// EncodedMessage is an opaque message payload.
type EncodedMessage []byte

// Response is the reply to a message: either a payload or the error marker.
type Response struct {
	Payload EncodedMessage
	Err     bool
}

// OK builds a successful response.
func OK(payload EncodedMessage) Response {
	return Response{Payload: payload}
}

// ErrResponse builds the error marker response.
func ErrResponse() Response {
	return Response{Err: true}
}

// Event is produced by Program.NextEvent. It is one of Emit, CancelMessage
// or Answer.
type Event interface {
	isEvent()
}

// Emit asks the scheduler to send a message on an interface.
//
// If the interface has no handler yet, the scheduler buffers the message.
type Emit struct {
	Interface InterfaceHash
	// MessageIDWrite is nil for fire-and-forget messages. Otherwise the
	// scheduler acknowledges the assigned id through it exactly once,
	// before any MessageResponse for that id is delivered.
	MessageIDWrite MessageIDWrite
	Message        EncodedMessage
}

// CancelMessage withdraws a previously emitted message that has not been
// answered yet.
type CancelMessage struct {
	MessageID MessageID
}

// Answer replies to a message previously received through
// Program.InterfaceMessage.
type Answer struct {
	MessageID MessageID
	Answer    Response
}

func (Emit) isEvent()          {}
func (CancelMessage) isEvent() {}
func (Answer) isEvent()        {}

// MessageIDWrite is the single-use capability used by the scheduler to tell
// a driver which id was assigned to a message it emitted. Calling
// Acknowledge twice is a scheduler bug and panics.
type MessageIDWrite interface {
	Acknowledge(id MessageID)
}

// DummyMessageIDWrite discards the acknowledged id.
type DummyMessageIDWrite struct{}

func (DummyMessageIDWrite) Acknowledge(MessageID) {}

// Program is the capability set a scheduler uses to drive a native driver.
//
// Implementations are shared handles over interior state: every method may be
// called while another goroutine is blocked in NextEvent.
type Program interface {
	// NextEvent blocks until the program has something to report. It is
	// meant to be called in a loop and only fails when ctx is done.
	NextEvent(ctx context.Context) (Event, error)

	// InterfaceMessage delivers a message sent on an interface owned by the
	// program. id is nil when the emitter does not expect an answer.
	InterfaceMessage(iface InterfaceHash, id *MessageID, emitter Pid, msg EncodedMessage)

	// ProcessDestroyed reports that a process terminated.
	ProcessDestroyed(pid Pid)

	// MessageResponse delivers the answer to a message the program emitted
	// with a MessageIDWrite. It is called exactly once per acknowledged id.
	MessageResponse(id MessageID, resp Response)
}
