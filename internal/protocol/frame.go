package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxFrameSize caps the body of a single frame. A peer announcing a
// larger frame is misbehaving and the session is terminated.
const MaxFrameSize = 16 << 20

var (
	ErrFrameTooLarge      = errors.New("protocol: frame exceeds size limit")
	ErrTruncatedFrame     = errors.New("protocol: truncated frame")
	ErrUnknownMessageKind = errors.New("protocol: unknown message kind")
	ErrMalformedMessage   = errors.New("protocol: malformed message body")
)

// ReadMessage reads one length-prefixed frame from r and decodes it.
// It consumes exactly 4 + length bytes on success.
func ReadMessage(r io.Reader) (Message, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	return Unmarshal(body)
}

// WriteMessage encodes m and writes it as a single length-prefixed
// frame. The length prefix excludes itself.
func WriteMessage(w io.Writer, m Message) error {
	body, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	_, err = w.Write(frame)
	return err
}
