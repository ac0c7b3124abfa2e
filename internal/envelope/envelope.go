// Package envelope defines the self-describing wire form of an
// encrypted message body: algorithm, key version, nonce, and sealed
// bytes. Two encodings are understood. The compact binary form is
// canonical for everything we produce; the JSON form is what earlier
// releases shipped, and stays decodable so history written by them
// survives format drift.
package envelope

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("envelope: malformed envelope")

// Algorithm identifies the AEAD that sealed the payload.
type Algorithm byte

const (
	AlgChaCha20Poly1305 Algorithm = 1
	AlgAES256GCM        Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgChaCha20Poly1305:
		return "chacha20poly1305"
	case AlgAES256GCM:
		return "aes256gcm"
	}
	return fmt.Sprintf("algorithm(%d)", byte(a))
}

func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "chacha20poly1305":
		return AlgChaCha20Poly1305, nil
	case "aes256gcm":
		return AlgAES256GCM, nil
	}
	return 0, fmt.Errorf("%w: unknown algorithm %q", ErrMalformed, s)
}

const (
	magicByte     = 0xC5
	binaryVersion = 0x01

	// magic + version + algorithm + key version + nonce length
	binaryHeaderLen = 1 + 1 + 1 + 4 + 1

	maxNonceLen = 32
	tagLen      = 16

	// Key versions ride in a uint32 on the wire; anything bigger in the
	// legacy JSON form is corruption, not a real version.
	maxKeyVersion = 1<<31 - 1
)

// Envelope carries one sealed message body and everything a consumer
// needs to open it, except the key itself.
type Envelope struct {
	Algorithm  Algorithm
	KeyVersion int
	Nonce      []byte
	Sealed     []byte
}

// EncodeBinary renders the canonical compact encoding:
// magic, format version, algorithm, key version (uint32 BE),
// nonce length, nonce, sealed bytes.
func (e *Envelope) EncodeBinary() []byte {
	out := make([]byte, 0, binaryHeaderLen+len(e.Nonce)+len(e.Sealed))
	out = append(out, magicByte, binaryVersion, byte(e.Algorithm))
	var kv [4]byte
	binary.BigEndian.PutUint32(kv[:], uint32(e.KeyVersion))
	out = append(out, kv[:]...)
	out = append(out, byte(len(e.Nonce)))
	out = append(out, e.Nonce...)
	out = append(out, e.Sealed...)
	return out
}

// DecodeBinary parses the canonical encoding.
func DecodeBinary(data []byte) (*Envelope, error) {
	if len(data) < binaryHeaderLen {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}
	if data[0] != magicByte {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if data[1] != binaryVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrMalformed, data[1])
	}
	alg := Algorithm(data[2])
	switch alg {
	case AlgChaCha20Poly1305, AlgAES256GCM:
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrMalformed, data[2])
	}
	kv := binary.BigEndian.Uint32(data[3:7])
	if kv == 0 {
		return nil, fmt.Errorf("%w: zero key version", ErrMalformed)
	}
	nonceLen := int(data[7])
	if nonceLen == 0 || nonceLen > maxNonceLen {
		return nil, fmt.Errorf("%w: nonce length %d", ErrMalformed, nonceLen)
	}
	rest := data[binaryHeaderLen:]
	if len(rest) < nonceLen+tagLen {
		return nil, fmt.Errorf("%w: truncated payload", ErrMalformed)
	}
	nonce := make([]byte, nonceLen)
	copy(nonce, rest[:nonceLen])
	sealed := make([]byte, len(rest)-nonceLen)
	copy(sealed, rest[nonceLen:])
	return &Envelope{
		Algorithm:  alg,
		KeyVersion: int(kv),
		Nonce:      nonce,
		Sealed:     sealed,
	}, nil
}

type jsonEnvelope struct {
	Alg        string `json:"alg"`
	KeyVersion int    `json:"kv"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ct"`
}

// EncodeJSON renders the legacy encoding. New producers never emit it,
// but tests and compatibility tooling still need to.
func (e *Envelope) EncodeJSON() ([]byte, error) {
	return json.Marshal(jsonEnvelope{
		Alg:        e.Algorithm.String(),
		KeyVersion: e.KeyVersion,
		Nonce:      base64.StdEncoding.EncodeToString(e.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(e.Sealed),
	})
}

// DecodeJSON parses the legacy encoding.
func DecodeJSON(data []byte) (*Envelope, error) {
	var raw jsonEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	alg, err := ParseAlgorithm(raw.Alg)
	if err != nil {
		return nil, err
	}
	if raw.KeyVersion < 1 || raw.KeyVersion > maxKeyVersion {
		return nil, fmt.Errorf("%w: key version %d", ErrMalformed, raw.KeyVersion)
	}
	nonce, err := base64.StdEncoding.DecodeString(raw.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce encoding", ErrMalformed)
	}
	if len(nonce) == 0 || len(nonce) > maxNonceLen {
		return nil, fmt.Errorf("%w: nonce length %d", ErrMalformed, len(nonce))
	}
	sealed, err := base64.StdEncoding.DecodeString(raw.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrMalformed)
	}
	if len(sealed) < tagLen {
		return nil, fmt.Errorf("%w: sealed payload too short", ErrMalformed)
	}
	return &Envelope{
		Algorithm:  alg,
		KeyVersion: raw.KeyVersion,
		Nonce:      nonce,
		Sealed:     sealed,
	}, nil
}

// Decode tries the canonical binary encoding first and falls back to
// the legacy JSON one. Only after both refuse the bytes is the
// envelope reported malformed.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > 0 && data[0] == magicByte {
		env, err := DecodeBinary(data)
		if err == nil {
			return env, nil
		}
	}
	if env, err := DecodeJSON(data); err == nil {
		return env, nil
	}
	return nil, ErrMalformed
}
