package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"mini-relay/message"
)

// JSONCodec encodes a message as {"action":..,"sn":..,"params":{..}}.
// Pros: human-readable, easy to debug from a browser client.
// Cons: slower than BinaryCodec, larger payload.
//
// encoding/json alone would lose both key order and the int/float distinction,
// so params are written and read token by token.
type JSONCodec struct{}

func (c *JSONCodec) Encode(m *message.Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"action":`)
	writeJSONString(&buf, m.Action)
	buf.WriteString(`,"sn":`)
	buf.WriteString(strconv.FormatUint(m.Serial, 10))
	buf.WriteString(`,"params":`)
	if err := writeJSONParams(&buf, m.Params); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *JSONCodec) Decode(data []byte) (*message.Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	m, err := readJSONMessage(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	// Nothing may follow the envelope.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedMessage)
	}
	return m, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s) // marshalling a string cannot fail
	buf.Write(b)
}

func writeJSONParams(buf *bytes.Buffer, p *message.Params) error {
	buf.WriteByte('{')
	for i, k := range p.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, k)
		buf.WriteByte(':')
		v, _ := p.Get(k)
		if err := writeJSONValue(buf, v); err != nil {
			return fmt.Errorf("param %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		writeJSONString(buf, x)
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, x)
		}
		s := strconv.FormatFloat(x, 'g', -1, 64)
		// Keep floats recognisable as floats on the way back.
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		buf.WriteString(s)
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case *message.Params:
		return writeJSONParams(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

func readJSONMessage(dec *json.Decoder) (*message.Message, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	m := &message.Message{Params: message.NewParams()}
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		switch key {
		case "action":
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			s, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("action must be a string, got %T", tok)
			}
			m.Action = s
		case "sn":
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			n, ok := tok.(json.Number)
			if !ok {
				return nil, fmt.Errorf("sn must be a number, got %T", tok)
			}
			sn, err := strconv.ParseUint(string(n), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("sn: %v", err)
			}
			m.Serial = sn
		case "params":
			if err := expectDelim(dec, '{'); err != nil {
				return nil, err
			}
			p, err := readJSONObject(dec, 1)
			if err != nil {
				return nil, err
			}
			m.Params = p
		default:
			// Unknown envelope fields are skipped.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return m, nil
}

// readJSONObject reads the members of an object whose '{' was already consumed.
func readJSONObject(dec *json.Decoder, depth int) (*message.Params, error) {
	if depth > maxDepth {
		return nil, errors.New("nesting too deep")
	}
	p := message.NewParams()
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		v, err := readJSONValue(dec, depth)
		if err != nil {
			return nil, err
		}
		p.Set(key, v)
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return p, nil
}

func readJSONValue(dec *json.Decoder, depth int) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch x := tok.(type) {
	case json.Delim:
		switch x {
		case '{':
			return readJSONObject(dec, depth+1)
		case '[':
			if depth+1 > maxDepth {
				return nil, errors.New("nesting too deep")
			}
			l := make([]any, 0)
			for dec.More() {
				e, err := readJSONValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				l = append(l, e)
			}
			if err := expectDelim(dec, ']'); err != nil {
				return nil, err
			}
			return l, nil
		}
		return nil, fmt.Errorf("unexpected %v", x)
	case json.Number:
		return parseJSONNumber(string(x))
	case string, bool, nil:
		return x, nil
	}
	return nil, fmt.Errorf("unexpected token %T", tok)
}

func parseJSONNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	return strconv.ParseFloat(s, 64)
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expect object key, got %v", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, d json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if got, ok := tok.(json.Delim); !ok || got != d {
		return fmt.Errorf("expect %v, got %v", d, tok)
	}
	return nil
}
