// Package v1 defines the tunnel wire format: Frame messages exchanged
// on one gRPC bidirectional stream, multiplexing every logical HTTP
// stream between a remote engine and a gateway.
//
// The encoding is standard proto3 wire format, produced and consumed
// with protowire against the schema in tunnel.proto. The codec is
// maintained by hand against that file, which keeps the module free
// of a codegen step while staying byte-compatible with any
// protoc-generated peer.
package v1

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/streambridge/streambridge/pkg/stream"
)

// FrameType discriminates Frame payloads. Values match tunnel.proto.
type FrameType int32

const (
	FrameInvalid  FrameType = 0
	FrameHeaders  FrameType = 1
	FrameData     FrameType = 2
	FrameMetadata FrameType = 3
	FrameTrailers FrameType = 4
	FrameComplete FrameType = 5
	FrameReset    FrameType = 6
	FrameDrain    FrameType = 7
)

func (t FrameType) String() string {
	switch t {
	case FrameHeaders:
		return "HEADERS"
	case FrameData:
		return "DATA"
	case FrameMetadata:
		return "METADATA"
	case FrameTrailers:
		return "TRAILERS"
	case FrameComplete:
		return "COMPLETE"
	case FrameReset:
		return "RESET"
	case FrameDrain:
		return "DRAIN"
	default:
		return fmt.Sprintf("INVALID(%d)", int32(t))
	}
}

// HeaderEntry is one name/value pair. Mirrors tunnel.proto.
type HeaderEntry struct {
	Key   string
	Value string
}

// Frame is one tunnel message. Mirrors tunnel.proto. StreamID 0 is
// reserved for connection-level frames (DRAIN).
type Frame struct {
	StreamID     int64
	Type         FrameType
	Headers      []HeaderEntry
	Data         []byte
	EndStream    bool
	ErrorMessage string
}

// Field numbers from tunnel.proto.
const (
	fieldStreamID     protowire.Number = 1
	fieldType         protowire.Number = 2
	fieldHeaders      protowire.Number = 3
	fieldData         protowire.Number = 4
	fieldEndStream    protowire.Number = 5
	fieldErrorMessage protowire.Number = 6

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

// MarshalBinary encodes the frame as proto3 wire format. Zero-valued
// fields are omitted, per proto3 presence rules.
func (f *Frame) MarshalBinary() ([]byte, error) {
	size := 24 + len(f.Data) + len(f.ErrorMessage)
	for _, h := range f.Headers {
		size += len(h.Key) + len(h.Value) + 8
	}
	b := make([]byte, 0, size)

	if f.StreamID != 0 {
		b = protowire.AppendTag(b, fieldStreamID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.StreamID))
	}
	if f.Type != FrameInvalid {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Type))
	}
	for _, h := range f.Headers {
		b = protowire.AppendTag(b, fieldHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalHeaderEntry(h))
	}
	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	if f.EndStream {
		b = protowire.AppendTag(b, fieldEndStream, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if f.ErrorMessage != "" {
		b = protowire.AppendTag(b, fieldErrorMessage, protowire.BytesType)
		b = protowire.AppendString(b, f.ErrorMessage)
	}
	return b, nil
}

func marshalHeaderEntry(h HeaderEntry) []byte {
	b := make([]byte, 0, len(h.Key)+len(h.Value)+4)
	if h.Key != "" {
		b = protowire.AppendTag(b, fieldEntryKey, protowire.BytesType)
		b = protowire.AppendString(b, h.Key)
	}
	if h.Value != "" {
		b = protowire.AppendTag(b, fieldEntryValue, protowire.BytesType)
		b = protowire.AppendString(b, h.Value)
	}
	return b
}

// UnmarshalBinary decodes proto3 wire format into the frame, replacing
// its contents. Unknown fields are skipped. Byte and string payloads
// are copied out of data, so the caller may reuse the buffer.
func (f *Frame) UnmarshalBinary(data []byte) error {
	*f = Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("frame: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldStreamID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("frame: stream_id: %w", protowire.ParseError(n))
			}
			f.StreamID = int64(v)
			data = data[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("frame: type: %w", protowire.ParseError(n))
			}
			f.Type = FrameType(v)
			data = data[n:]
		case num == fieldHeaders && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("frame: headers: %w", protowire.ParseError(n))
			}
			h, err := unmarshalHeaderEntry(v)
			if err != nil {
				return err
			}
			f.Headers = append(f.Headers, h)
			data = data[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("frame: data: %w", protowire.ParseError(n))
			}
			f.Data = append([]byte(nil), v...)
			data = data[n:]
		case num == fieldEndStream && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("frame: end_stream: %w", protowire.ParseError(n))
			}
			f.EndStream = protowire.DecodeBool(v)
			data = data[n:]
		case num == fieldErrorMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("frame: error_message: %w", protowire.ParseError(n))
			}
			f.ErrorMessage = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("frame: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

func unmarshalHeaderEntry(data []byte) (HeaderEntry, error) {
	var h HeaderEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return h, fmt.Errorf("frame: header entry tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldEntryKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return h, fmt.Errorf("frame: header key: %w", protowire.ParseError(n))
			}
			h.Key = string(v)
			data = data[n:]
		case num == fieldEntryValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return h, fmt.Errorf("frame: header value: %w", protowire.ParseError(n))
			}
			h.Value = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return h, fmt.Errorf("frame: header entry field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return h, nil
}

// HeadersToEntries converts an ordered header block to wire entries.
func HeadersToEntries(h stream.Headers) []HeaderEntry {
	if len(h) == 0 {
		return nil
	}
	out := make([]HeaderEntry, len(h))
	for i, hdr := range h {
		out[i] = HeaderEntry{Key: hdr.Key, Value: hdr.Value}
	}
	return out
}

// EntriesToHeaders converts wire entries back to an ordered header
// block.
func EntriesToHeaders(entries []HeaderEntry) stream.Headers {
	if len(entries) == 0 {
		return nil
	}
	out := make(stream.Headers, len(entries))
	for i, e := range entries {
		out[i] = stream.Header{Key: e.Key, Value: e.Value}
	}
	return out
}
