package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformedFrame marks a frame body that could not be decoded or is
	// missing required fields. The stream itself is still usable.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownType marks a frame whose type tag is not valid for the
	// receiving direction. The stream itself is still usable.
	ErrUnknownType = errors.New("unknown message type")

	// ErrFrameTooLarge is returned for frames above MaxFrameSize. The stream
	// cannot be resynchronised after this.
	ErrFrameTooLarge = errors.New("frame too large")
)

// IsSerialization reports whether err concerns a single frame rather than
// the transport.
func IsSerialization(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrUnknownType)
}

// wireFrame is the tagged union written on the wire. Only the fields of the
// variant named by Type are set.
type wireFrame struct {
	Type     string     `json:"type"`
	State    PlayState  `json:"state,omitempty"`
	Position *float64   `json:"position,omitempty"`
	FileName *string    `json:"file_name,omitempty"`
	Payload  *wireFrame `json:"payload,omitempty"`
}

func followerFrame(m FollowerBound) (*wireFrame, error) {
	switch msg := m.(type) {
	case StateSync:
		pos := msg.Position
		return &wireFrame{Type: TypeStateSync, State: msg.State, Position: &pos}, nil
	case PlayFile:
		name := msg.FileName
		return &wireFrame{Type: TypePlayFile, FileName: &name}, nil
	case Heartbeat:
		return &wireFrame{Type: TypeHeartbeat}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

func hubFrame(m HubBound) (*wireFrame, error) {
	switch msg := m.(type) {
	case HeartbeatAck:
		return &wireFrame{Type: TypeHeartbeatAck}, nil
	case Relay:
		if msg.Payload == nil {
			return nil, fmt.Errorf("%w: relay without payload", ErrMalformedFrame)
		}
		inner, err := followerFrame(msg.Payload)
		if err != nil {
			return nil, err
		}
		return &wireFrame{Type: TypeRelay, Payload: inner}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

func (f *wireFrame) followerBound() (FollowerBound, error) {
	switch f.Type {
	case TypeStateSync:
		if !f.State.Valid() || f.Position == nil {
			return nil, fmt.Errorf("%w: state_sync needs state and position", ErrMalformedFrame)
		}
		return StateSync{State: f.State, Position: *f.Position}, nil
	case TypePlayFile:
		if f.FileName == nil {
			return nil, fmt.Errorf("%w: play_file needs file_name", ErrMalformedFrame)
		}
		return PlayFile{FileName: *f.FileName}, nil
	case TypeHeartbeat:
		return Heartbeat{}, nil
	default:
		return nil, fmt.Errorf("%w: %q is not hub-to-follower", ErrUnknownType, f.Type)
	}
}

func (f *wireFrame) hubBound() (HubBound, error) {
	switch f.Type {
	case TypeHeartbeatAck:
		return HeartbeatAck{}, nil
	case TypeRelay:
		if f.Payload == nil {
			return nil, fmt.Errorf("%w: relay needs payload", ErrMalformedFrame)
		}
		inner, err := f.Payload.followerBound()
		if err != nil {
			return nil, err
		}
		return Relay{Payload: inner}, nil
	default:
		return nil, fmt.Errorf("%w: %q is not follower-to-hub", ErrUnknownType, f.Type)
	}
}

// EncodeFollowerBound returns the frame body for a hub-to-follower message.
func EncodeFollowerBound(c Codec, m FollowerBound) ([]byte, error) {
	f, err := followerFrame(m)
	if err != nil {
		return nil, err
	}
	return marshal(c, f)
}

// EncodeHubBound returns the frame body for a follower-to-hub message.
func EncodeHubBound(c Codec, m HubBound) ([]byte, error) {
	f, err := hubFrame(m)
	if err != nil {
		return nil, err
	}
	return marshal(c, f)
}

// DecodeFollowerBound parses a frame body received by a follower.
func DecodeFollowerBound(c Codec, body []byte) (FollowerBound, error) {
	f, err := unmarshal(c, body)
	if err != nil {
		return nil, err
	}
	return f.followerBound()
}

// DecodeHubBound parses a frame body received by the hub.
func DecodeHubBound(c Codec, body []byte) (HubBound, error) {
	f, err := unmarshal(c, body)
	if err != nil {
		return nil, err
	}
	return f.hubBound()
}

func marshal(c Codec, f *wireFrame) ([]byte, error) {
	b, err := c.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s encode: %v", ErrMalformedFrame, c.Name(), err)
	}
	return b, nil
}

func unmarshal(c Codec, body []byte) (*wireFrame, error) {
	var f wireFrame
	if err := c.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %s decode: %v", ErrMalformedFrame, c.Name(), err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &f, nil
}

// WriteFrame writes body with its length header in a single Write call.
// Callers sharing a connection must serialise calls themselves.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[frameHeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame body. Any error it returns is a transport
// error: the caller cannot keep reading from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// ReadHubBound reads and decodes one frame sent to the hub. Errors for which
// IsSerialization is true leave the stream usable; any other error is a
// transport error.
func ReadHubBound(r io.Reader, c Codec) (HubBound, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeHubBound(c, body)
}

// ReadFollowerBound is ReadHubBound for frames sent to a follower.
func ReadFollowerBound(r io.Reader, c Codec) (FollowerBound, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeFollowerBound(c, body)
}
