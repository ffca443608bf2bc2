package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]any{"zebra": 1, "apple": 2, "mango": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"apple":2,"mango":3,"zebra":1}`, string(out))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	out, err := Marshal(map[string]string{"url": "https://example.com/a?b=1&c=<2>"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "&c=<2>")
}

func TestTransformIsIdempotent(t *testing.T) {
	raw := []byte(`{"b":2,"a":{"d":4,"c":3}}`)
	once, err := Transform(raw)
	require.NoError(t, err)
	twice, err := Transform(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, `{"a":{"c":3,"d":4},"b":2}`, string(once))
}

func TestStripFieldRemovesSignature(t *testing.T) {
	raw := []byte(`{"nonce":"0123456789abcdef","signature":"c2ln","timestamp":"2026-01-02T03:04:05.678Z"}`)
	out, err := StripField(raw, "signature")
	require.NoError(t, err)
	assert.Equal(t, `{"nonce":"0123456789abcdef","timestamp":"2026-01-02T03:04:05.678Z"}`, string(out))
}

func TestStripFieldPreservesNumberLiterals(t *testing.T) {
	raw := []byte(`{"size":1024,"signature":"x"}`)
	out, err := StripField(raw, "signature")
	require.NoError(t, err)
	assert.Equal(t, `{"size":1024}`, string(out))
}

func TestHashIsStableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
