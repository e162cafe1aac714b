package tcpbridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the JSON payload of a single frame.
const MaxFrameSize = 16 << 20

var (
	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("tcpbridge: frame too large")

	// ErrMalformedFrame is returned when a frame payload is not a JSON object.
	ErrMalformedFrame = errors.New("tcpbridge: malformed frame")
)

// Frame types of the event-bus bridge protocol.
const (
	typeSend       = "send"
	typePublish    = "publish"
	typeRegister   = "register"
	typeUnregister = "unregister"
	typePing       = "ping"
	typeMessage    = "message"
	typeErr        = "err"
	typePong       = "pong"
)

// envelope is the JSON object carried by every frame.
type envelope struct {
	Type         string            `json:"type"`
	Address      string            `json:"address,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	Send         bool              `json:"send,omitempty"`

	// Failure fields, set on err frames and failed replies.
	FailureCode int    `json:"failureCode,omitempty"`
	FailureType string `json:"failureType,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (e *envelope) failed() bool {
	return e.Type == typeErr || e.FailureCode != 0 || e.FailureType != ""
}

// FailureError is a failure reported by the bridge, such as a reply timeout
// or a missing handler on the server side.
type FailureError struct {
	Code    int
	Type    string
	Message string
}

// Error implements the error interface.
func (e *FailureError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("tcpbridge: failure %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("tcpbridge: %s failure %d: %s", e.Type, e.Code, e.Message)
}

func (e *envelope) failure() *FailureError {
	return &FailureError{Code: e.FailureCode, Type: e.FailureType, Message: e.Message}
}

// writeFrame writes env as a 4-byte big-endian length followed by its JSON
// encoding.
func writeFrame(w io.Writer, env *envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	_, err = w.Write(buf)
	return err
}

// readFrame reads one frame from r.
func readFrame(r io.Reader) (*envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	env := &envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}
