package store

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/haukened/tokencache/internal/domain"
)

const (
	envelopeVersion = 1
	nonceSize       = 24
	// sealedAtSize is the big-endian unix timestamp prefixed to the plaintext.
	sealedAtSize = 8
)

// envelope is the on-disk framing of an encrypted blob. Only Box is
// authenticated by secretbox; Decode rejects any framing that does not
// re-encode to the exact input bytes, so the header cannot be altered
// without detection either.
type envelope struct {
	Version uint8  `cbor:"1,keyasint"`
	Nonce   []byte `cbor:"2,keyasint"`
	Box     []byte `cbor:"3,keyasint"`
}

var envMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

var errKeyLength = fmt.Errorf("key must be %d bytes", KeySize)

// Encode serializes m as canonical JSON (sorted keys, compact) and seals it
// under key with a fresh random nonce. Two calls with the same input produce
// different bytes that decode to the same mapping.
func Encode(m Mapping, key []byte) ([]byte, error) {
	return encodeAt(m, key, time.Now())
}

func encodeAt(m Mapping, key []byte, now time.Time) ([]byte, error) {
	k, err := keyArray(key)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	body, err := canonicalJSON(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encode mapping: %w", domain.ErrFormat, err)
	}

	plain := make([]byte, sealedAtSize, sealedAtSize+len(body))
	binary.BigEndian.PutUint64(plain, uint64(now.Unix()))
	plain = append(plain, body...)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	env := envelope{
		Version: envelopeVersion,
		Nonce:   nonce[:],
		Box:     secretbox.Seal(nil, plain, &nonce, k),
	}
	return envMode.Marshal(env)
}

// Decode opens blob with key and parses the plaintext as a JSON object.
// Authentication failures (wrong key, corruption, tampering) wrap
// domain.ErrDecryption; a plaintext that is not a JSON object wraps
// domain.ErrFormat.
func Decode(blob, key []byte) (Mapping, error) {
	m, _, err := decodeSealed(blob, key)
	return m, err
}

// decodeSealed is Decode that also reports when the blob was sealed.
func decodeSealed(blob, key []byte) (Mapping, time.Time, error) {
	k, err := keyArray(key)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	var env envelope
	if err := cbor.Unmarshal(blob, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: malformed envelope: %w", domain.ErrDecryption, err)
	}
	if canon, err := envMode.Marshal(env); err != nil || !bytes.Equal(canon, blob) {
		return nil, time.Time{}, fmt.Errorf("%w: non-canonical envelope", domain.ErrDecryption)
	}
	if env.Version != envelopeVersion {
		return nil, time.Time{}, fmt.Errorf("%w: unsupported envelope version %d", domain.ErrDecryption, env.Version)
	}
	if len(env.Nonce) != nonceSize || len(env.Box) < secretbox.Overhead {
		return nil, time.Time{}, fmt.Errorf("%w: truncated envelope", domain.ErrDecryption)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], env.Nonce)
	plain, ok := secretbox.Open(nil, env.Box, &nonce, k)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: authentication failed", domain.ErrDecryption)
	}
	if len(plain) < sealedAtSize {
		return nil, time.Time{}, fmt.Errorf("%w: missing timestamp", domain.ErrFormat)
	}
	sealedAt := time.Unix(int64(binary.BigEndian.Uint64(plain[:sealedAtSize])), 0).UTC()

	body := bytes.TrimSpace(plain[sealedAtSize:])
	if len(body) == 0 || body[0] != '{' {
		return nil, time.Time{}, fmt.Errorf("%w: expected json object", domain.ErrFormat)
	}
	m := make(Mapping)
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %w", domain.ErrFormat, err)
	}
	return m, sealedAt, nil
}

// canonicalJSON encodes m with sorted keys and compacted values. HTML
// escaping is disabled so stored values keep their exact bytes.
func canonicalJSON(m Mapping) ([]byte, error) {
	if m == nil {
		m = Mapping{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func keyArray(key []byte) (*[KeySize]byte, error) {
	if len(key) != KeySize {
		return nil, errKeyLength
	}
	var k [KeySize]byte
	copy(k[:], key)
	return &k, nil
}

// isDecodeFailure reports whether err came from opening or parsing the blob.
func isDecodeFailure(err error) bool {
	return errors.Is(err, domain.ErrDecryption) || errors.Is(err, domain.ErrFormat)
}
