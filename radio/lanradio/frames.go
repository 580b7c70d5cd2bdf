package lanradio

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameSize is the largest frame accepted on a link.
const MaxFrameSize = 64 * 1024

const (
	typeHello       = "hello"
	typeResolve     = "resolve"
	typeServices    = "services"
	typeWrite       = "write"
	typeSubscribe   = "subscribe"
	typeUnsubscribe = "unsubscribe"
	typeNotify      = "notify"
	typeAck         = "ack"
	typeError       = "error"
)

var (
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("lanradio: frame exceeds max size")
	// ErrInvalidFrameType indicates the frame type is missing.
	ErrInvalidFrameType = errors.New("lanradio: invalid frame type")
)

// frame is the single message shape exchanged over a link. Requests carry a
// sequence number that the response echoes.
type frame struct {
	Type           string   `json:"type"`
	Seq            uint64   `json:"seq,omitempty"`
	DeviceID       string   `json:"device_id,omitempty"`
	Name           string   `json:"name,omitempty"`
	Service        string   `json:"service,omitempty"`
	Characteristic string   `json:"characteristic,omitempty"`
	Services       []string `json:"services,omitempty"`
	Payload        []byte   `json:"payload,omitempty"`
	Error          string   `json:"error,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	return payload, nil
}

func decodeFrame(payload []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return frame{}, ErrInvalidFrameType
	}
	return f, nil
}

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

func readFrameWithTimeout(conn net.Conn, timeout time.Duration) (frame, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return frame{}, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	payload, err := readFrame(conn)
	if err != nil {
		return frame{}, err
	}
	return decodeFrame(payload)
}

func sendFrame(conn net.Conn, f frame) error {
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return writeFrame(conn, payload)
}
