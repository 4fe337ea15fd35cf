// Package wire encodes driver messages with the protobuf wire format, without
// generated code: messages are flat lists of numbered varint and bytes fields.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/netmgr/internal/core"
)

// Builder appends fields to a message.
type Builder struct {
	b []byte
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (w *Builder) Uint(num protowire.Number, v uint64) *Builder {
	w.b = protowire.AppendTag(w.b, num, protowire.VarintType)
	w.b = protowire.AppendVarint(w.b, v)
	return w
}

func (w *Builder) Bool(num protowire.Number, v bool) *Builder {
	return w.Uint(num, protowire.EncodeBool(v))
}

func (w *Builder) Bytes(num protowire.Number, v []byte) *Builder {
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendBytes(w.b, v)
	return w
}

func (w *Builder) String(num protowire.Number, v string) *Builder {
	return w.Bytes(num, []byte(v))
}

// Encode returns the encoded message.
func (w *Builder) Encode() []byte {
	if w.b == nil {
		return []byte{}
	}
	return w.b
}

type field struct {
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// Message is a decoded message. Repeated fields keep their wire order.
type Message struct {
	fields map[protowire.Number][]field
}

// Decode parses b. Fixed32, fixed64 and group fields are skipped.
func Decode(b []byte) (Message, error) {
	m := Message{fields: make(map[protowire.Number][]field)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: %v", core.ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: field %d: %v", core.ErrMalformedMessage, num, protowire.ParseError(n))
			}
			m.fields[num] = append(m.fields[num], field{typ: typ, varint: v})
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: field %d: %v", core.ErrMalformedMessage, num, protowire.ParseError(n))
			}
			m.fields[num] = append(m.fields[num], field{typ: typ, bytes: v})
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: field %d: %v", core.ErrMalformedMessage, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// Has reports whether field num is present.
func (m Message) Has(num protowire.Number) bool {
	return len(m.fields[num]) > 0
}

// Uint returns the last varint value of field num.
func (m Message) Uint(num protowire.Number) (uint64, bool) {
	fs := m.fields[num]
	for i := len(fs) - 1; i >= 0; i-- {
		if fs[i].typ == protowire.VarintType {
			return fs[i].varint, true
		}
	}
	return 0, false
}

// Bool returns the last varint value of field num as a bool.
func (m Message) Bool(num protowire.Number) bool {
	v, _ := m.Uint(num)
	return protowire.DecodeBool(v)
}

// Bytes returns a copy of the last bytes value of field num.
func (m Message) Bytes(num protowire.Number) ([]byte, bool) {
	fs := m.fields[num]
	for i := len(fs) - 1; i >= 0; i-- {
		if fs[i].typ == protowire.BytesType {
			return append([]byte{}, fs[i].bytes...), true
		}
	}
	return nil, false
}

// BytesList returns copies of every bytes value of field num.
func (m Message) BytesList(num protowire.Number) [][]byte {
	var out [][]byte
	for _, f := range m.fields[num] {
		if f.typ == protowire.BytesType {
			out = append(out, append([]byte{}, f.bytes...))
		}
	}
	return out
}
