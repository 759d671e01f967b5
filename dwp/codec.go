package dwp

import "github.com/gobwas/ws"

// Codec defines the serialization contract for frames.
type Codec interface {
	// Encode serializes a frame to bytes.
	Encode(frame *Frame) ([]byte, error)

	// Decode deserializes bytes into a frame.
	Decode(data []byte) (*Frame, error)

	// Name returns the codec identifier used in format negotiation.
	Name() string

	// OpCode is the WebSocket message type the codec's frames travel in.
	OpCode() ws.OpCode
}

// CodecName constants for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Unknown names get JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// KnownCodec reports whether name selects a codec.
func KnownCodec(name string) bool {
	return name == "" || name == CodecNameJSON || name == CodecNameMsgpack
}
