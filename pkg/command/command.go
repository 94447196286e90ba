// Package command defines the command envelope the dispatcher consumes and
// the single terminal result every command produces.
package command

import (
	"encoding/json"

	"github.com/strandlabs/strand/pkg/store"
)

// Kind classifies a command failure. The set is finite and stable; every
// failure a caller can observe carries exactly one of these.
type Kind string

const (
	KindTimeout             Kind = "Timeout"
	KindDisconnected        Kind = "Disconnected"
	KindHandlerNotFound     Kind = "HandlerNotFound"
	KindExecutionError      Kind = "ExecutionError"
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindStoreError          Kind = "StoreError"
	KindProtocol            Kind = "Protocol"
	KindUnknown             Kind = "UnknownError"
)

// Command is a decoded wire command addressed at an aggregate.
type Command struct {
	ID              string
	Aggregate       string
	Target          store.StreamID
	ExpectedVersion store.EventNumber
	Name            string
	Payload         json.RawMessage
	Metadata        map[string]any
}

// Error is the failure arm of a Result.
type Error struct {
	Kind        Kind
	Message     string
	CommandID   string
	CommandName string
	TimeoutMs   int64
	Details     json.RawMessage
}

// Result is the terminal outcome of one command: either a committed stream
// position or a classified failure. Exactly one Result is delivered to the
// caller per command.
type Result struct {
	CommandID string
	Success   bool
	Position  store.StreamPosition
	Error     *Error
}

// Succeed builds the success arm with the position just past the last
// committed event.
func Succeed(commandID string, pos store.StreamPosition) Result {
	return Result{CommandID: commandID, Success: true, Position: pos}
}

// Fail builds the failure arm.
func Fail(commandID, commandName string, kind Kind, message string) Result {
	return Result{
		CommandID: commandID,
		Error: &Error{
			Kind:        kind,
			Message:     message,
			CommandID:   commandID,
			CommandName: commandName,
		},
	}
}
