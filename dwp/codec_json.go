package dwp

import (
	"encoding/json"

	"github.com/gobwas/ws"
)

// JSONCodec encodes frames as JSON text messages.
type JSONCodec struct{}

func (c *JSONCodec) Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

func (c *JSONCodec) OpCode() ws.OpCode { return ws.OpText }
