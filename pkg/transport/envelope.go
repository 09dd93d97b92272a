package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// lengthPrefixSize is the size of the frame length prefix in bytes.
const lengthPrefixSize = 4

// MaxEnvelopeSize is the maximum encoded size of a single envelope.
const MaxEnvelopeSize = 64 * 1024

// Envelope frames one routed message for transmission over a link.
// Payload carries the JSON request or reply verbatim, so a received
// envelope can be handed straight to a router on the far side.
type Envelope struct {
	// From identifies the sending entity. Optional.
	From string `json:"from,omitempty"`

	// Destination identifies the entity the payload is addressed to.
	Destination string `json:"destination"`

	// Endpoint names the operation on the destination entity.
	Endpoint string `json:"endpoint"`

	// Payload is the JSON message body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WriteEnvelope frames and writes one envelope: a 4-byte big-endian
// length prefix followed by the JSON encoding. The frame is written in
// a single call so each envelope maps to one packet on packet links.
//
// Returns ErrEnvelopeTooLarge if the encoding exceeds MaxEnvelopeSize.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}
	if len(body) > MaxEnvelopeSize {
		return ErrEnvelopeTooLarge
	}

	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)

	_, err = w.Write(frame)
	return err
}

// ReadEnvelope reads and decodes one envelope. It issues a single read
// sized for a maximum frame, so on packet links the whole envelope must
// arrive as one packet.
//
// Returns ErrEnvelopeFormat if the frame is truncated, carries an
// implausible length prefix, or does not decode as an envelope.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	buf := make([]byte, lengthPrefixSize+MaxEnvelopeSize)
	n, err := r.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < lengthPrefixSize {
		return nil, ErrEnvelopeFormat
	}

	bodyLen := int(binary.BigEndian.Uint32(buf[:lengthPrefixSize]))
	if bodyLen == 0 || bodyLen > MaxEnvelopeSize {
		return nil, ErrEnvelopeFormat
	}
	if n != lengthPrefixSize+bodyLen {
		return nil, ErrEnvelopeFormat
	}

	env := &Envelope{}
	if err := json.Unmarshal(buf[lengthPrefixSize:n], env); err != nil {
		return nil, ErrEnvelopeFormat
	}
	return env, nil
}
