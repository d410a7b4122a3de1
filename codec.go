package pollconn

import (
	"encoding/json"
	"fmt"
)

type FrameKind string

const (
	FrameHelloAck  FrameKind = "hello-ack"
	FrameReject    FrameKind = "reject"
	FrameReply     FrameKind = "reply"
	FrameError     FrameKind = "error"
	FrameEvent     FrameKind = "event"
	FrameTerminate FrameKind = "terminate"
)

// Frame is one decoded server-to-client message.
type Frame struct {
	Kind     FrameKind
	ID       uint32
	Value    []byte
	Message  string
	Category Category
	Payload  []byte
}

// Codec translates between typed requests and transport bytes.
// Decode either completes an operation (reply, error), changes connection
// state (hello-ack, reject, terminate) or carries an event.
type Codec interface {
	Encode(req Request) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

const requestType = "request"

type wireFrame struct {
	Type       string         `json:"type"`
	ID         uint32         `json:"id,omitempty"`
	Name       RequestName    `json:"name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Value      []byte         `json:"value,omitempty"`
	Message    string         `json:"message,omitempty"`
	Category   Category       `json:"category,omitempty"`
	Payload    []byte         `json:"payload,omitempty"`
}

// JSONCodec encodes every frame as a single JSON object.
type JSONCodec struct{}

func (JSONCodec) Encode(req Request) ([]byte, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("encode request %d: empty name", req.ID)
	}
	return json.Marshal(wireFrame{
		Type:       requestType,
		ID:         req.ID,
		Name:       req.Name,
		Parameters: req.Parameters,
	})
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Kind:     FrameKind(w.Type),
		ID:       w.ID,
		Value:    w.Value,
		Message:  w.Message,
		Category: w.Category,
		Payload:  w.Payload,
	}

	switch f.Kind {
	case FrameHelloAck, FrameReject, FrameTerminate:
	case FrameReply, FrameError:
		if f.ID == handshakeID {
			return Frame{}, fmt.Errorf("%s frame without an operation id", f.Kind)
		}
	case FrameEvent:
		if f.Category == "" {
			return Frame{}, fmt.Errorf("event frame without a category")
		}
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", w.Type)
	}
	return f, nil
}

// EncodeFrame is the server half of Encode.
func (JSONCodec) EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(wireFrame{
		Type:     string(f.Kind),
		ID:       f.ID,
		Value:    f.Value,
		Message:  f.Message,
		Category: f.Category,
		Payload:  f.Payload,
	})
}

// DecodeRequest is the server half of Decode.
func (JSONCodec) DecodeRequest(data []byte) (Request, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{}, err
	}
	if w.Type != requestType {
		return Request{}, fmt.Errorf("unexpected frame type %q", w.Type)
	}
	return Request{ID: w.ID, Name: w.Name, Parameters: w.Parameters}, nil
}
