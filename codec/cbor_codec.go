package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// value always produces the same body bytes.
var encMode cbor.EncMode

// decMode decodes map-typed any targets as map[string]any so bodies decoded
// through an interface look the same as they do under JSONCodec.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec is the compact binary serializer. Struct fields fall back to
// their json tags when no cbor tag is present, so the same message types
// serve both codecs.
type CBORCodec struct{}

func (CBORCodec) Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (CBORCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return decMode.Unmarshal(data, v)
}

func (CBORCodec) Type() Type {
	return TypeCBOR
}
