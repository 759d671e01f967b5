package dwp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/xraph/stepflow"
)

func TestNewRequestFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewRequestFrame("frame-1", MethodExecutionStart, ExecutionStartRequest{Definition: "charge"})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}

	if frame.ID != "frame-1" || frame.Type != FrameRequest || frame.Method != MethodExecutionStart {
		t.Errorf("frame = %+v", frame)
	}
	if frame.V != Version {
		t.Errorf("V = %d, want %d", frame.V, Version)
	}
	if frame.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}

	var req ExecutionStartRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if req.Definition != "charge" {
		t.Errorf("definition = %q", req.Definition)
	}
}

func TestNewResponseFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewResponseFrame("corr-1", StatusResponse{Status: "ok"})
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if frame.Type != FrameResponse {
		t.Errorf("Type = %q, want %q", frame.Type, FrameResponse)
	}
	if frame.CorrID != "corr-1" {
		t.Errorf("CorrID = %q, want corr-1", frame.CorrID)
	}
	if frame.ID == "" {
		t.Error("ID should be generated")
	}
}

func TestRawDataIsNotReencoded(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"amount":12345678901234567890}`)
	frame, err := NewEventFrame("execution:x", raw)
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if string(frame.Data) != string(raw) {
		t.Errorf("Data = %s, want %s", frame.Data, raw)
	}
}

func TestGenerateFrameIDUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 1000 {
		id := GenerateFrameID()
		if seen[id] {
			t.Fatalf("duplicate frame id %q", id)
		}
		seen[id] = true
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &Frame{
		V:         Version,
		Type:      FrameErr,
		ID:        "f-1",
		CorrID:    "req-9",
		Method:    MethodTaskSuccess,
		Token:     "secret",
		Data:      json.RawMessage(`{"a":[1,2,3]}`),
		Error:     &ErrorDetail{Code: ErrCodeConflict, Message: "retired", Kind: "token_retired"},
		Timestamp: ts,
	}

	for _, c := range []Codec{&JSONCodec{}, &MsgpackCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			out, err := c.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if out.ID != in.ID || out.CorrID != in.CorrID || out.Method != in.Method || out.Token != in.Token {
				t.Errorf("envelope = %+v", out)
			}
			if string(out.Data) != string(in.Data) {
				t.Errorf("Data = %s", out.Data)
			}
			if out.Error == nil || *out.Error != *in.Error {
				t.Errorf("Error = %+v", out.Error)
			}
			if !out.Timestamp.Equal(ts) {
				t.Errorf("Timestamp = %v", out.Timestamp)
			}
		})
	}
}

func TestGetCodec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want string
		op   ws.OpCode
	}{
		{"", CodecNameJSON, ws.OpText},
		{"json", CodecNameJSON, ws.OpText},
		{"msgpack", CodecNameMsgpack, ws.OpBinary},
		{"protobuf", CodecNameJSON, ws.OpText},
	}
	for _, tc := range cases {
		c := GetCodec(tc.name)
		if c.Name() != tc.want || c.OpCode() != tc.op {
			t.Errorf("GetCodec(%q) = %s/%v", tc.name, c.Name(), c.OpCode())
		}
	}
	if KnownCodec("protobuf") {
		t.Error("protobuf reported as known")
	}
}

func TestErrorFrameRestoresSentinel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code int
	}{
		{stepflow.ErrTokenAlreadyRetired, ErrCodeConflict},
		{stepflow.ErrExecutionNotFound, ErrCodeNotFound},
		{stepflow.ErrExecutionLimitExceeded, ErrCodeTooManyRequests},
		{stepflow.ErrInvalidInput, ErrCodeBadRequest},
		{errors.New("disk on fire"), ErrCodeInternal},
	}
	for _, tc := range cases {
		f := errorFrame("req-1", tc.err)
		if f.Error.Code != tc.code {
			t.Errorf("%v: code = %d, want %d", tc.err, f.Error.Code, tc.code)
		}
		if tc.code != ErrCodeInternal && !errors.Is(f.Error, tc.err) {
			t.Errorf("%v: detail does not unwrap to the sentinel", tc.err)
		}
	}
}
