// Package codec provides the body serializers a frame can name in its
// serializer field. The frame header is always parsed first; the body is
// then handed to the codec selected by that header.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the serializer code carried in every frame header.
type Type uint32

const (
	TypeJSON Type = 1
	TypeCBOR Type = 2
)

var ErrUnknownCodec = errors.New("codec: unknown serializer")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() Type
}

var codecs = map[Type]Codec{
	TypeJSON: JSONCodec{},
	TypeCBOR: CBORCodec{},
}

// Lookup returns the codec registered for t.
func Lookup(t Type) (Codec, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, t)
	}
	return c, nil
}

// Known reports whether t names a serializer this process can decode.
func Known(t Type) bool {
	_, ok := codecs[t]
	return ok
}

// ParseType maps a configuration name ("json", "cbor") to its code.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return TypeJSON, nil
	case "cbor":
		return TypeCBOR, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeCBOR:
		return "cbor"
	}
	return fmt.Sprintf("codec(%d)", uint32(t))
}
