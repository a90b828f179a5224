package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	App     string  `json:"app"`
	Count   int     `json:"count"`
	Samples []int64 `json:"samples,omitempty"`
}

func TestCodecsRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeJSON, TypeCBOR} {
		t.Run(typ.String(), func(t *testing.T) {
			c, err := Lookup(typ)
			require.NoError(t, err)
			assert.Equal(t, typ, c.Type())

			in := sample{App: "order-service", Count: 3, Samples: []int64{1, 2, 3}}
			data, err := c.Encode(in)
			require.NoError(t, err)

			var out sample
			require.NoError(t, c.Decode(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestCBORDeterministic(t *testing.T) {
	in := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := CBORCodec{}.Encode(in)
	require.NoError(t, err)
	second, err := CBORCodec{}.Encode(in)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second))
}

func TestCBORDecodesAnyMapsWithStringKeys(t *testing.T) {
	data, err := CBORCodec{}.Encode(map[string]any{"k": "v"})
	require.NoError(t, err)

	var out any
	require.NoError(t, CBORCodec{}.Decode(data, &out))
	assert.Equal(t, map[string]any{"k": "v"}, out)
}

func TestDecodeEmptyBodyLeavesTarget(t *testing.T) {
	out := sample{App: "kept"}
	require.NoError(t, JSONCodec{}.Decode(nil, &out))
	require.NoError(t, CBORCodec{}.Decode(nil, &out))
	assert.Equal(t, "kept", out.App)
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup(0)
	require.ErrorIs(t, err, ErrUnknownCodec)
	assert.False(t, Known(99))
	assert.True(t, Known(TypeCBOR))
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("CBOR")
	require.NoError(t, err)
	assert.Equal(t, TypeCBOR, typ)

	typ, err = ParseType("")
	require.NoError(t, err)
	assert.Equal(t, TypeJSON, typ)

	_, err = ParseType("protobuf")
	require.ErrorIs(t, err, ErrUnknownCodec)
}
