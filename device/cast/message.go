package cast

import (
	"errors"
	"fmt"
	"google.golang.org/protobuf/encoding/protowire"
	"io"
	"strconv"
)

// Cast devices refuse anything larger than this.
const maxFrameSize = 64 * 1024

const (
	fieldProtocolVersion protowire.Number = 1
	fieldSourceId        protowire.Number = 2
	fieldDestinationId   protowire.Number = 3
	fieldNamespace       protowire.Number = 4
	fieldPayloadType     protowire.Number = 5
	fieldPayloadUtf8     protowire.Number = 6
	fieldPayloadBinary   protowire.Number = 7
)

const (
	payloadTypeString uint64 = 0
	payloadTypeBinary uint64 = 1
)

// Message is a CastMessage envelope. All messages this package sends carry a JSON payload in
// PayloadUtf8.
type Message struct {
	SourceId      string
	DestinationId string
	Namespace     string
	PayloadUtf8   string
	PayloadBinary []byte
	Binary        bool
}

func (m *Message) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldProtocolVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 0)
	b = protowire.AppendTag(b, fieldSourceId, protowire.BytesType)
	b = protowire.AppendString(b, m.SourceId)
	b = protowire.AppendTag(b, fieldDestinationId, protowire.BytesType)
	b = protowire.AppendString(b, m.DestinationId)
	b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
	b = protowire.AppendString(b, m.Namespace)
	b = protowire.AppendTag(b, fieldPayloadType, protowire.VarintType)
	if m.Binary {
		b = protowire.AppendVarint(b, payloadTypeBinary)
		b = protowire.AppendTag(b, fieldPayloadBinary, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PayloadBinary)
	} else {
		b = protowire.AppendVarint(b, payloadTypeString)
		b = protowire.AppendTag(b, fieldPayloadUtf8, protowire.BytesType)
		b = protowire.AppendString(b, m.PayloadUtf8)
	}
	return b
}

func UnmarshalMessage(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		number, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("could not read cast message field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case wireType == protowire.BytesType && number >= fieldSourceId && number <= fieldPayloadBinary && number != fieldPayloadType:
			value, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("could not read cast message field %d: %w", number, protowire.ParseError(n))
			}
			b = b[n:]
			switch number {
			case fieldSourceId:
				m.SourceId = string(value)
			case fieldDestinationId:
				m.DestinationId = string(value)
			case fieldNamespace:
				m.Namespace = string(value)
			case fieldPayloadUtf8:
				m.PayloadUtf8 = string(value)
			case fieldPayloadBinary:
				m.PayloadBinary = append([]byte(nil), value...)
			}
		case wireType == protowire.VarintType && number == fieldPayloadType:
			value, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("could not read cast message payload type: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.Binary = value == payloadTypeBinary
		default:
			n := protowire.ConsumeFieldValue(number, wireType, b)
			if n < 0 {
				return nil, fmt.Errorf("could not skip cast message field %d: %w", number, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.Namespace == "" {
		return nil, errors.New("cast message has no namespace")
	}
	return m, nil
}

// Frames are a big-endian uint32 length followed by that many bytes of CastMessage.
func writeFrame(w io.Writer, message []byte) error {
	if len(message) > maxFrameSize {
		return errors.New("cast message too large: " + strconv.Itoa(len(message)) + " bytes")
	}
	frame := make([]byte, 4+len(message))
	writeUInt32ToBufferBigEndian(frame, uint32(len(message)))
	copy(frame[4:], message)
	bytesWritten, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("could not write cast frame: %w", err)
	}
	if bytesWritten != len(frame) {
		return errors.New("short write of cast frame: " + strconv.Itoa(bytesWritten) + " of " + strconv.Itoa(len(frame)) + " bytes")
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	expectedSize := expectedFrameSize(header)
	if expectedSize > maxFrameSize {
		return nil, errors.New("cast frame too large: " + strconv.Itoa(expectedSize) + " bytes")
	}
	message := make([]byte, expectedSize)
	if _, err := io.ReadFull(r, message); err != nil {
		return nil, fmt.Errorf("could not read %d byte cast frame: %w", expectedSize, err)
	}
	return message, nil
}

func expectedFrameSize(b []byte) int {
	return int(b[3]) + int(b[2])<<8 + int(b[1])<<16 + int(b[0])<<24
}

func writeUInt32ToBufferBigEndian(b []byte, i uint32) {
	b[0] = byte((i >> 24) & 0xff)
	b[1] = byte((i >> 16) & 0xff)
	b[2] = byte((i >> 8) & 0xff)
	b[3] = byte(i & 0xff)
}
