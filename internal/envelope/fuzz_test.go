package envelope

import (
	"bytes"
	"testing"
)

func FuzzDecode(f *testing.F) {
	seed := &Envelope{
		Algorithm:  AlgChaCha20Poly1305,
		KeyVersion: 1,
		Nonce:      bytes.Repeat([]byte{0xAA}, 12),
		Sealed:     bytes.Repeat([]byte{0xBB}, 32),
	}
	f.Add(seed.EncodeBinary())
	if raw, err := seed.EncodeJSON(); err == nil {
		f.Add(raw)
	}
	f.Add([]byte{magicByte})
	f.Add([]byte(`{"alg":"aes256gcm"}`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := Decode(data)
		if err != nil {
			return
		}
		// Whatever decodes must re-encode and decode to the same header.
		again, err := DecodeBinary(env.EncodeBinary())
		if err != nil {
			t.Fatalf("re-decode: %v", err)
		}
		if again.Algorithm != env.Algorithm || again.KeyVersion != env.KeyVersion {
			t.Fatalf("header drift: %+v vs %+v", env, again)
		}
		if !bytes.Equal(again.Nonce, env.Nonce) || !bytes.Equal(again.Sealed, env.Sealed) {
			t.Fatal("payload drift through re-encode")
		}
	})
}
