// Package codec turns a message.Message into bytes and back.
//
// Both codecs obey the round trip law decode(encode(m)) == m for every message built
// from the supported value types, and preserve parameter keys they do not know about.
package codec

import (
	"errors"

	"mini-relay/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

var (
	// ErrMalformedMessage is returned (wrapped) by Decode for bytes that are not a message.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnsupportedValue is returned (wrapped) by Encode for params outside the value model.
	ErrUnsupportedValue = errors.New("unsupported value type")
)

type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// Valid reports whether t names a known codec.
func Valid(t CodecType) bool {
	return t == CodecTypeJSON || t == CodecTypeBinary
}
