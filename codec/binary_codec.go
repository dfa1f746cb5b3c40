package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"mini-relay/message"
)

// maxDepth bounds nesting of maps and lists so hostile input cannot exhaust the stack.
const maxDepth = 64

// Value tags of the binary layout.
const (
	tagNil    byte = 0
	tagString byte = 1
	tagInt    byte = 2
	tagFloat  byte = 3
	tagBool   byte = 4
	tagMap    byte = 5
	tagList   byte = 6
)

// BinaryCodec writes a compact big-endian layout:
//
//	action:  u16 length + bytes
//	serial:  u64
//	params:  u32 count, then per entry u16 key length + key + value
//	value:   1 byte tag + payload (string u32 len + bytes, int/float 8 bytes, bool 1 byte,
//	         map as params, list u32 count + values)
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(m *message.Message) ([]byte, error) {
	if len(m.Action) > math.MaxUint16 {
		return nil, fmt.Errorf("action too long: %d bytes", len(m.Action))
	}
	buf := make([]byte, 0, 64)

	// Action length -- 2 bytes, then action
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Action)))
	buf = append(buf, m.Action...)

	// Serial number -- 8 bytes
	buf = binary.BigEndian.AppendUint64(buf, m.Serial)

	return appendParams(buf, m.Params)
}

func (c *BinaryCodec) Decode(data []byte) (*message.Message, error) {
	r := &reader{data: data}
	m := &message.Message{}

	m.Action = string(r.bytes(int(r.u16())))
	m.Serial = r.u64()
	m.Params = r.params(0)

	if r.err == nil && r.off != len(r.data) {
		r.err = errors.New("trailing data")
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, r.err)
	}
	return m, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendParams(buf []byte, p *message.Params) ([]byte, error) {
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.Len()))
	for _, k := range p.Keys() {
		if len(k) > math.MaxUint16 {
			return nil, fmt.Errorf("param key too long: %d bytes", len(k))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		v, _ := p.Get(k)
		var err error
		if buf, err = appendValue(buf, v); err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNil), nil
	case string:
		buf = append(buf, tagString)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		return append(buf, x...), nil
	case int64:
		buf = append(buf, tagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(x)), nil
	case float64:
		buf = append(buf, tagFloat)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(x)), nil
	case bool:
		if x {
			return append(buf, tagBool, 1), nil
		}
		return append(buf, tagBool, 0), nil
	case *message.Params:
		return appendParams(append(buf, tagMap), x)
	case []any:
		buf = append(buf, tagList)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		for _, e := range x {
			var err error
			if buf, err = appendValue(buf, e); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// reader is a bounds-checked cursor; after the first error every read is a no-op.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("short buffer at offset %d: need %d bytes", r.off, n)
		return false
	}
	return true
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

// count reads a u32 element count and rejects counts the remaining bytes cannot hold,
// so a forged count never triggers a huge allocation.
func (r *reader) count() int {
	n := r.u32()
	if r.err == nil && int64(n) > int64(len(r.data)-r.off) {
		r.err = fmt.Errorf("count %d exceeds remaining %d bytes", n, len(r.data)-r.off)
		return 0
	}
	return int(n)
}

func (r *reader) params(depth int) *message.Params {
	p := message.NewParams()
	if depth > maxDepth {
		r.err = errors.New("nesting too deep")
		return p
	}
	n := r.count()
	for i := 0; i < n && r.err == nil; i++ {
		key := string(r.bytes(int(r.u16())))
		v := r.value(depth)
		if r.err == nil {
			p.Set(key, v)
		}
	}
	return p
}

func (r *reader) value(depth int) any {
	switch tag := r.u8(); tag {
	case tagNil:
		return nil
	case tagString:
		return string(r.bytes(int(r.u32())))
	case tagInt:
		return int64(r.u64())
	case tagFloat:
		return math.Float64frombits(r.u64())
	case tagBool:
		switch r.u8() {
		case 0:
			return false
		case 1:
			return true
		}
		if r.err == nil {
			r.err = errors.New("invalid bool")
		}
		return nil
	case tagMap:
		return r.params(depth + 1)
	case tagList:
		if depth+1 > maxDepth {
			r.err = errors.New("nesting too deep")
			return nil
		}
		n := r.count()
		l := make([]any, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			l = append(l, r.value(depth+1))
		}
		return l
	default:
		if r.err == nil {
			r.err = fmt.Errorf("unknown value tag %d", tag)
		}
		return nil
	}
}
