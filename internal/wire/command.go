package wire

import "fmt"

// Well-known command kinds delivered to a scene.
const (
	CommandInput   = "input"  // pointer/keyboard input event
	CommandSignal  = "signal" // host notification, e.g. realm change
	CommandComms   = "comms"  // message received from the bus or transport
	CommandRPCDone = "rpc"    // reserved for runtimes that resolve calls by message
)

// Well-known response kinds emitted by a scene.
const (
	ResponseLog        = "log"
	ResponseError      = "error"
	ResponseDiagnostic = "diagnostic"
	ResponseComms      = "comms" // message-bus send emitted by the scene
)

// Command is a structured host-to-scene record, distinct from CRDT
// payloads.
type Command struct {
	Kind    string `cbor:"kind"`
	Sender  string `cbor:"sender,omitempty"`
	Channel string `cbor:"channel,omitempty"`
	Data    []byte `cbor:"data,omitempty"`
}

// Response is a structured scene-to-host record.
type Response struct {
	Kind    string `cbor:"kind"`
	Channel string `cbor:"channel,omitempty"`
	Message string `cbor:"message,omitempty"`
	Data    []byte `cbor:"data,omitempty"`
}

// EncodeCommand serializes a command.
func EncodeCommand(c Command) ([]byte, error) {
	b, err := Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode command %q: %w", c.Kind, err)
	}
	return b, nil
}

// DecodeCommand parses a command.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if c.Kind == "" {
		return Command{}, fmt.Errorf("decode command: missing kind")
	}
	return c, nil
}

// EncodeResponse serializes a response.
func EncodeResponse(r Response) ([]byte, error) {
	b, err := Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response %q: %w", r.Kind, err)
	}
	return b, nil
}

// DecodeResponse parses a response.
func DecodeResponse(b []byte) (Response, error) {
	var r Response
	if err := Unmarshal(b, &r); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if r.Kind == "" {
		return Response{}, fmt.Errorf("decode response: missing kind")
	}
	return r, nil
}
