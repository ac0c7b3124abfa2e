package envelope

import (
	"bytes"
	"errors"
	"testing"
)

func sample() *Envelope {
	return &Envelope{
		Algorithm:  AlgChaCha20Poly1305,
		KeyVersion: 3,
		Nonce:      bytes.Repeat([]byte{0x11}, 12),
		Sealed:     bytes.Repeat([]byte{0x22}, 48),
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	e := sample()
	decoded, err := DecodeBinary(e.EncodeBinary())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Algorithm != e.Algorithm || decoded.KeyVersion != e.KeyVersion {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Nonce, e.Nonce) || !bytes.Equal(decoded.Sealed, e.Sealed) {
		t.Fatal("payload mismatch")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	e := sample()
	e.Algorithm = AlgAES256GCM
	raw, err := e.EncodeJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeJSON(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Algorithm != AlgAES256GCM || decoded.KeyVersion != 3 {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Sealed, e.Sealed) {
		t.Fatal("payload mismatch")
	}
}

func TestDecodeAcceptsBothEncodings(t *testing.T) {
	e := sample()

	fromBinary, err := Decode(e.EncodeBinary())
	if err != nil {
		t.Fatalf("decode binary: %v", err)
	}
	legacy, err := e.EncodeJSON()
	if err != nil {
		t.Fatalf("encode json: %v", err)
	}
	fromJSON, err := Decode(legacy)
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}

	if fromBinary.KeyVersion != fromJSON.KeyVersion || !bytes.Equal(fromBinary.Sealed, fromJSON.Sealed) {
		t.Fatal("the two encodings decoded differently")
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not an envelope")},
		{"truncated binary header", []byte{magicByte, binaryVersion, 1}},
		{"bad magic json-less", []byte{0x00, 0x01, 0x02, 0x03}},
		{"json wrong algorithm", []byte(`{"alg":"rot13","kv":1,"nonce":"AAAA","ct":"AAAA"}`)},
		{"json zero key version", []byte(`{"alg":"chacha20poly1305","kv":0,"nonce":"AAAAAAAAAAAAAAAA","ct":"AAAAAAAAAAAAAAAAAAAAAAAA"}`)},
		{"json bad base64", []byte(`{"alg":"chacha20poly1305","kv":1,"nonce":"!!","ct":"AAAA"}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeBinaryRejectsBadHeader(t *testing.T) {
	e := sample()

	zeroKV := e.EncodeBinary()
	zeroKV[3], zeroKV[4], zeroKV[5], zeroKV[6] = 0, 0, 0, 0
	if _, err := DecodeBinary(zeroKV); !errors.Is(err, ErrMalformed) {
		t.Fatalf("zero key version: err = %v, want ErrMalformed", err)
	}

	badAlg := e.EncodeBinary()
	badAlg[2] = 0x7F
	if _, err := DecodeBinary(badAlg); !errors.Is(err, ErrMalformed) {
		t.Fatalf("unknown algorithm: err = %v, want ErrMalformed", err)
	}

	badVersion := e.EncodeBinary()
	badVersion[1] = 0x09
	if _, err := DecodeBinary(badVersion); !errors.Is(err, ErrMalformed) {
		t.Fatalf("format version: err = %v, want ErrMalformed", err)
	}

	short := e.EncodeBinary()
	short = short[:binaryHeaderLen+4]
	if _, err := DecodeBinary(short); !errors.Is(err, ErrMalformed) {
		t.Fatalf("truncated payload: err = %v, want ErrMalformed", err)
	}
}

func TestDecodeDetachesBuffers(t *testing.T) {
	e := sample()
	raw := e.EncodeBinary()
	decoded, err := DecodeBinary(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[binaryHeaderLen] ^= 0xFF
	if decoded.Nonce[0] != 0x11 {
		t.Fatal("decoded nonce aliases the input buffer")
	}
}

func TestAlgorithmNames(t *testing.T) {
	for _, a := range []Algorithm{AlgChaCha20Poly1305, AlgAES256GCM} {
		parsed, err := ParseAlgorithm(a.String())
		if err != nil {
			t.Fatalf("parse %q: %v", a, err)
		}
		if parsed != a {
			t.Fatalf("round trip %q: got %q", a, parsed)
		}
	}
}
