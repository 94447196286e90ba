// Package wire implements the JSON frame codec for the protocol: one UTF-8
// JSON object per transport message, discriminated by a "type" field.
//
// Decoding is forgiving by contract: a frame that fails JSON parsing or
// shape validation is reported as an error so the receive side can drop it
// and keep the connection alive. Encoding fails only on programmer error.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame type discriminants. Client → server: subscribe, unsubscribe,
// command, ping. Server → client: event, command_result, subscription_ack,
// subscription_end, pong, error.
const (
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeCommand         = "command"
	TypePing            = "ping"
	TypeEvent           = "event"
	TypeCommandResult   = "command_result"
	TypeSubscriptionAck = "subscription_ack"
	TypeSubscriptionEnd = "subscription_end"
	TypePong            = "pong"
	TypeError           = "error"
)

// ErrUnknownType is returned by Decode for a well-formed frame whose type
// discriminant is not recognized. Receivers drop such frames.
var ErrUnknownType = errors.New("wire: unknown frame type")

// Envelope carries the fields present on every frame.
type Envelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (e *Envelope) env() *Envelope { return e }

// Message is a decoded frame. The concrete type is determined by the frame's
// type discriminant; Kind returns that discriminant.
type Message interface {
	Kind() string
	env() *Envelope
}

// PositionRef is the wire shape of a stream position.
type PositionRef struct {
	StreamID    string `json:"streamId"`
	EventNumber int64  `json:"eventNumber"`
}

// AggregateRef addresses a command at an aggregate: the target stream
// position the client believes is current, and the aggregate name.
type AggregateRef struct {
	Position PositionRef `json:"position"`
	Name     string      `json:"name"`
}

// ErrorInfo is the wire shape of a structured failure.
type ErrorInfo struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Subscribe requests a long-lived subscription to a named stream.
type Subscribe struct {
	Envelope
	StreamID        string `json:"streamId"`
	FromPosition    *int64 `json:"fromPosition,omitempty"`
	IncludeMetadata bool   `json:"includeMetadata,omitempty"`
	BatchSize       int    `json:"batchSize,omitempty"`
}

func (*Subscribe) Kind() string { return TypeSubscribe }

// Unsubscribe ends a subscription to a named stream.
type Unsubscribe struct {
	Envelope
	StreamID string `json:"streamId"`
}

func (*Unsubscribe) Kind() string { return TypeUnsubscribe }

// Command is a client-originated request addressed to an aggregate. The
// frame id doubles as the command id and is echoed on the result.
type Command struct {
	Envelope
	Aggregate       AggregateRef    `json:"aggregate"`
	CommandName     string          `json:"commandName"`
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
}

func (*Command) Kind() string { return TypeCommand }

// Ping is a liveness probe; the server answers with a Pong carrying the
// same frame id.
type Ping struct {
	Envelope
}

func (*Ping) Kind() string { return TypePing }

// Event delivers one committed event to a subscribed client.
type Event struct {
	Envelope
	StreamID      string          `json:"streamId"`
	EventNumber   int64           `json:"eventNumber"`
	Position      int64           `json:"position"`
	EventType     string          `json:"eventType"`
	EventData     json.RawMessage `json:"event"`
	EventMetadata map[string]any  `json:"eventMetadata,omitempty"`
}

func (*Event) Kind() string { return TypeEvent }

// CommandResult is the terminal outcome of a command. Its frame id equals
// the originating command's id.
type CommandResult struct {
	Envelope
	Success  bool         `json:"success"`
	Position *PositionRef `json:"position,omitempty"`
	Error    *ErrorInfo   `json:"error,omitempty"`
}

func (*CommandResult) Kind() string { return TypeCommandResult }

// SubscriptionAck confirms a subscription and reports the stream's current
// tail position.
type SubscriptionAck struct {
	Envelope
	StreamID        string      `json:"streamId"`
	CurrentPosition PositionRef `json:"currentPosition"`
	IsLive          bool        `json:"isLive"`
}

func (*SubscriptionAck) Kind() string { return TypeSubscriptionAck }

// SubscriptionEnd tells the client a subscription was terminated server-side.
type SubscriptionEnd struct {
	Envelope
	StreamID string `json:"streamId"`
	Reason   string `json:"reason,omitempty"`
}

func (*SubscriptionEnd) Kind() string { return TypeSubscriptionEnd }

// Pong answers a Ping with the same frame id.
type Pong struct {
	Envelope
}

func (*Pong) Kind() string { return TypePong }

// Error reports a protocol-level failure. When it responds to a specific
// request, CorrelationID is set to that request's frame id.
type Error struct {
	Envelope
	Error ErrorInfo `json:"error"`
}

func (*Error) Kind() string { return TypeError }

// Decode parses one frame. It returns an error for malformed JSON, an
// unrecognized type (ErrUnknownType), or a frame missing required fields.
// Callers on the receive path drop erroring frames without terminating
// the connection.
func Decode(data []byte) (Message, error) {
	var probe struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if probe.ID == "" {
		return nil, errors.New("wire: frame missing id")
	}

	var msg Message
	switch probe.Type {
	case TypeSubscribe:
		msg = &Subscribe{}
	case TypeUnsubscribe:
		msg = &Unsubscribe{}
	case TypeCommand:
		msg = &Command{}
	case TypePing:
		msg = &Ping{}
	case TypeEvent:
		msg = &Event{}
	case TypeCommandResult:
		msg = &CommandResult{}
	case TypeSubscriptionAck:
		msg = &SubscriptionAck{}
	case TypeSubscriptionEnd:
		msg = &SubscriptionEnd{}
	case TypePong:
		msg = &Pong{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("wire: malformed %s frame: %w", probe.Type, err)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validate enforces the per-type required fields beyond the envelope.
func validate(msg Message) error {
	switch m := msg.(type) {
	case *Subscribe:
		if m.StreamID == "" {
			return errors.New("wire: subscribe frame missing streamId")
		}
		if m.FromPosition != nil && *m.FromPosition < 0 {
			return errors.New("wire: subscribe frame with negative fromPosition")
		}
	case *Unsubscribe:
		if m.StreamID == "" {
			return errors.New("wire: unsubscribe frame missing streamId")
		}
	case *Command:
		if m.Aggregate.Name == "" {
			return errors.New("wire: command frame missing aggregate.name")
		}
		if m.Aggregate.Position.StreamID == "" {
			return errors.New("wire: command frame missing aggregate.position.streamId")
		}
		if m.CommandName == "" {
			return errors.New("wire: command frame missing commandName")
		}
	case *Event:
		if m.StreamID == "" {
			return errors.New("wire: event frame missing streamId")
		}
		if m.EventType == "" {
			return errors.New("wire: event frame missing eventType")
		}
		if m.Position <= 0 {
			return errors.New("wire: event frame missing position")
		}
		if len(m.EventData) == 0 {
			return errors.New("wire: event frame missing event payload")
		}
	case *CommandResult:
		if m.Success && m.Position == nil {
			return errors.New("wire: successful command_result missing position")
		}
		if !m.Success && m.Error == nil {
			return errors.New("wire: failed command_result missing error")
		}
	case *SubscriptionAck:
		if m.StreamID == "" {
			return errors.New("wire: subscription_ack frame missing streamId")
		}
	case *SubscriptionEnd:
		if m.StreamID == "" {
			return errors.New("wire: subscription_end frame missing streamId")
		}
	case *Error:
		if m.Error.Message == "" {
			return errors.New("wire: error frame missing error.message")
		}
	}
	return nil
}

// Encode serializes a frame. The message's Type is forced to its kind and a
// missing Timestamp is filled with the current UTC time. A missing frame id
// is a programmer error, not a protocol condition.
func Encode(msg Message) ([]byte, error) {
	e := msg.env()
	if e.ID == "" {
		return nil, errors.New("wire: cannot encode frame without id")
	}
	e.Type = msg.Kind()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s frame: %w", msg.Kind(), err)
	}
	return data, nil
}
