package store

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/haukened/tokencache/internal/domain"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

// sealRaw seals an arbitrary plaintext body (after the timestamp prefix) so
// tests can produce authentic blobs whose content is not a JSON object.
func sealRaw(t *testing.T, body, key []byte) []byte {
	t.Helper()
	k, err := keyArray(key)
	require.NoError(t, err)
	plain := append(make([]byte, sealedAtSize), body...)
	var nonce [nonceSize]byte
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)
	blob, err := envMode.Marshal(envelope{
		Version: envelopeVersion,
		Nonce:   nonce[:],
		Box:     secretbox.Seal(nil, plain, &nonce, k),
	})
	require.NoError(t, err)
	return blob
}

func TestCodecRoundTrip(t *testing.T) {
	key := newKey(t)
	tests := []struct {
		name string
		m    Mapping
	}{
		{name: "empty", m: Mapping{}},
		{name: "token record", m: Mapping{
			"u1": json.RawMessage(`{"access_token":"abc","expires_in":600}`),
		}},
		{name: "nested values", m: Mapping{
			"a": json.RawMessage(`{"b":[1,2,{"c":null}],"d":{"e":true}}`),
			"b": json.RawMessage(`"plain string"`),
			"c": json.RawMessage(`3.25`),
			"d": json.RawMessage(`null`),
		}},
		{name: "html characters kept verbatim", m: Mapping{
			"u<1>": json.RawMessage(`"a&b<c>"`),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := Encode(tc.m, key)
			require.NoError(t, err)
			got, err := Decode(blob, key)
			require.NoError(t, err)
			assert.Equal(t, tc.m, got)
		})
	}
}

func TestEncodeNilMappingIsEmptyObject(t *testing.T) {
	key := newKey(t)
	blob, err := Encode(nil, key)
	require.NoError(t, err)
	got, err := Decode(blob, key)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestEncodeCompactsValues(t *testing.T) {
	key := newKey(t)
	blob, err := Encode(Mapping{"u": json.RawMessage("{ \"x\" : [ 1, 2 ] }")}, key)
	require.NoError(t, err)
	got, err := Decode(blob, key)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"x":[1,2]}`), got["u"])
}

func TestEncodeFreshNonce(t *testing.T) {
	key := newKey(t)
	m := Mapping{"u1": json.RawMessage(`{"a":1}`)}
	first, err := Encode(m, key)
	require.NoError(t, err)
	second, err := Encode(m, key)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(first, second), "ciphertexts must differ between calls")

	a, err := Decode(first, key)
	require.NoError(t, err)
	b, err := Decode(second, key)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeCrossKeyFails(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	blob, err := Encode(Mapping{"u1": json.RawMessage(`1`)}, k1)
	require.NoError(t, err)
	_, err = Decode(blob, k2)
	if !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestDecodeEveryByteFlipDetected(t *testing.T) {
	key := newKey(t)
	blob, err := Encode(Mapping{"u1": json.RawMessage(`{"access_token":"abc"}`)}, key)
	require.NoError(t, err)
	for i := range blob {
		tampered := append([]byte(nil), blob...)
		tampered[i] ^= 0xff
		_, err := Decode(tampered, key)
		if !errors.Is(err, domain.ErrDecryption) {
			t.Fatalf("flip at offset %d: expected ErrDecryption, got %v", i, err)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	key := newKey(t)
	cases := map[string][]byte{
		"empty":     {},
		"garbage":   []byte("not cbor at all"),
		"truncated": nil,
	}
	blob, err := Encode(Mapping{}, key)
	require.NoError(t, err)
	cases["truncated"] = blob[:len(blob)/2]
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in, key)
			if !errors.Is(err, domain.ErrDecryption) {
				t.Fatalf("expected ErrDecryption, got %v", err)
			}
		})
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	key := newKey(t)
	var nonce [nonceSize]byte
	blob, err := envMode.Marshal(envelope{Version: 9, Nonce: nonce[:], Box: make([]byte, secretbox.Overhead)})
	require.NoError(t, err)
	_, err = Decode(blob, key)
	if !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestDecodeWrongKeyLength(t *testing.T) {
	_, err := Decode([]byte{0xa0}, []byte("short"))
	if !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
	if _, err := Encode(Mapping{}, []byte("short")); err == nil {
		t.Fatalf("expected encode error for short key")
	}
}

func TestDecodeFormatErrors(t *testing.T) {
	key := newKey(t)
	cases := map[string]string{
		"not json":   "this is not json",
		"array":      `[1,2,3]`,
		"null":       `null`,
		"string":     `"text"`,
		"broken obj": `{"a":`,
		"empty":      ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(sealRaw(t, []byte(body), key), key)
			if !errors.Is(err, domain.ErrFormat) {
				t.Fatalf("expected ErrFormat, got %v", err)
			}
			if errors.Is(err, domain.ErrDecryption) {
				t.Fatalf("format error must be distinct from decryption error")
			}
		})
	}
}

func TestDecodeSealedTimestamp(t *testing.T) {
	key := newKey(t)
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	blob, err := encodeAt(Mapping{}, key, at)
	require.NoError(t, err)
	_, sealedAt, err := decodeSealed(blob, key)
	require.NoError(t, err)
	assert.True(t, at.Equal(sealedAt), "sealed at %v, want %v", sealedAt, at)
}
