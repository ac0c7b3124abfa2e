package cryptoworker

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/internal/convkey"
	"chatsync/internal/envelope"
	"chatsync/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("test")
	os.Exit(m.Run())
}

func testKey(version int) convkey.ConversationKey {
	var key [32]byte
	for i := range key {
		key[i] = byte(i + version)
	}
	return convkey.ConversationKey{
		ConversationID: "conv-1",
		Key:            key,
		Version:        version,
	}
}

func fixedProvider(keys ...convkey.ConversationKey) KeyProvider {
	return func(ctx context.Context, version int) (convkey.ConversationKey, error) {
		for _, k := range keys {
			if k.Version == version {
				return k, nil
			}
		}
		return convkey.ConversationKey{}, convkey.ErrKeyUnavailable
	}
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(2, 8, nil)
	t.Cleanup(p.Close)
	return p
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := newTestPool(t)
	key := testKey(1)
	plaintext := []byte("hello across the wire")

	data, info, err := p.Encrypt(context.Background(), "conv-1", plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if info.Algorithm != "chacha20poly1305" || info.KeyVersion != 1 {
		t.Fatalf("encryption info = %+v", info)
	}
	if bytes.Contains(data, plaintext) {
		t.Fatal("ciphertext contains the plaintext")
	}

	got, gotInfo, err := p.Decrypt(context.Background(), "conv-1", data, fixedProvider(key))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}
	if gotInfo.KeyVersion != 1 {
		t.Fatalf("decrypt info = %+v", gotInfo)
	}
}

func TestDecryptLegacyJSONEncoding(t *testing.T) {
	p := newTestPool(t)
	key := testKey(1)
	plaintext := []byte("written by an older release")

	data, _, err := p.Encrypt(context.Background(), "conv-1", plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Transcode the canonical envelope into the legacy JSON form.
	env, err := envelope.DecodeBinary(data)
	if err != nil {
		t.Fatalf("decode binary: %v", err)
	}
	legacy, err := env.EncodeJSON()
	if err != nil {
		t.Fatalf("encode json: %v", err)
	}

	got, _, err := p.Decrypt(context.Background(), "conv-1", legacy, fixedProvider(key))
	if err != nil {
		t.Fatalf("decrypt legacy: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("legacy decode round trip mismatch")
	}
}

func TestDecryptAESGCMEnvelope(t *testing.T) {
	p := newTestPool(t)
	key := testKey(1)
	plaintext := []byte("sealed by the aes producer")

	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		t.Fatalf("aes: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	nonce := bytes.Repeat([]byte{0x24}, gcm.NonceSize())
	sealed := gcm.Seal(nil, nonce, plaintext, associatedData("conv-1", 1))
	env := envelope.Envelope{
		Algorithm:  envelope.AlgAES256GCM,
		KeyVersion: 1,
		Nonce:      nonce,
		Sealed:     sealed,
	}

	got, info, err := p.Decrypt(context.Background(), "conv-1", env.EncodeBinary(), fixedProvider(key))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("aes round trip mismatch")
	}
	if info.Algorithm != "aes256gcm" {
		t.Fatalf("algorithm = %q", info.Algorithm)
	}
}

func TestTamperDetection(t *testing.T) {
	p := newTestPool(t)
	key := testKey(1)
	plaintext := []byte("content that must not survive tampering")

	data, _, err := p.Encrypt(context.Background(), "conv-1", plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Flip one bit in every region past the envelope header: nonce,
	// ciphertext body, authentication tag.
	env, err := envelope.DecodeBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	headerLen := len(data) - len(env.Nonce) - len(env.Sealed)
	offsets := []int{
		headerLen,                  // first nonce byte
		headerLen + len(env.Nonce), // first ciphertext byte
		len(data) - 1,              // last tag byte
	}

	for _, off := range offsets {
		tampered := append([]byte(nil), data...)
		tampered[off] ^= 0x01
		got, _, err := p.Decrypt(context.Background(), "conv-1", tampered, fixedProvider(key))
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("offset %d: err = %v, want ErrDecryptionFailed", off, err)
		}
		if got != nil {
			t.Fatalf("offset %d: tampered decrypt returned plaintext", off)
		}
	}
}

func TestDecryptBindsConversation(t *testing.T) {
	p := newTestPool(t)
	key := testKey(1)

	data, _, err := p.Encrypt(context.Background(), "conv-1", []byte("bound"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, _, err := p.Decrypt(context.Background(), "conv-2", data, fixedProvider(key)); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed for foreign conversation", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	p := newTestPool(t)
	key := testKey(1)
	other := testKey(1)
	other.Key[0] ^= 0xFF

	data, _, err := p.Encrypt(context.Background(), "conv-1", []byte("secret"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, _, err := p.Decrypt(context.Background(), "conv-1", data, fixedProvider(other)); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestKeyUnavailableIsDistinct(t *testing.T) {
	p := newTestPool(t)
	key := testKey(2)

	data, _, err := p.Encrypt(context.Background(), "conv-1", []byte("needs v2"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Provider only knows version 1; the envelope demands version 2.
	_, _, err = p.Decrypt(context.Background(), "conv-1", data, fixedProvider(testKey(1)))
	if !errors.Is(err, convkey.ErrKeyUnavailable) {
		t.Fatalf("err = %v, want ErrKeyUnavailable", err)
	}
	if errors.Is(err, ErrDecryptionFailed) {
		t.Fatal("key unavailability must not be reported as decryption failure")
	}
}

func TestMalformedEnvelope(t *testing.T) {
	p := newTestPool(t)

	_, _, err := p.Decrypt(context.Background(), "conv-1", []byte("junk"), fixedProvider(testKey(1)))
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestErrorsNeverLeakSecrets(t *testing.T) {
	p := newTestPool(t)
	key := testKey(1)
	plaintext := []byte("topsecretphrase")

	data, _, err := p.Encrypt(context.Background(), "conv-1", plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0x01

	_, _, err = p.Decrypt(context.Background(), "conv-1", tampered, fixedProvider(key))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if strings.Contains(msg, "topsecretphrase") {
		t.Fatal("error message contains plaintext")
	}
	if len(msg) > 200 {
		t.Fatalf("suspiciously verbose error: %q", msg)
	}
}

func TestDeterministicNonceHook(t *testing.T) {
	p := newTestPool(t)
	key := testKey(1)

	restore := UseDeterministicRandom(bytes.NewReader(bytes.Repeat([]byte{0x42}, 64)))
	first, _, err := p.Encrypt(context.Background(), "conv-1", []byte("same"), key)
	restore()
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	restore = UseDeterministicRandom(bytes.NewReader(bytes.Repeat([]byte{0x42}, 64)))
	second, _, err := p.Encrypt(context.Background(), "conv-1", []byte("same"), key)
	restore()
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatal("same nonce stream must yield identical envelopes")
	}
}

func TestConcurrentRoundTrips(t *testing.T) {
	p := NewPool(4, 32, nil)
	defer p.Close()
	key := testKey(1)

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plaintext := []byte(strings.Repeat("x", i+1))
			data, _, err := p.Encrypt(context.Background(), "conv-1", plaintext, key)
			if err != nil {
				t.Errorf("encrypt: %v", err)
				return
			}
			got, _, err := p.Decrypt(context.Background(), "conv-1", data, fixedProvider(key))
			if err != nil {
				t.Errorf("decrypt: %v", err)
				return
			}
			if !bytes.Equal(got, plaintext) {
				t.Error("round trip mismatch")
			}
		}(i)
	}
	wg.Wait()
}

func TestQueueFullAndClose(t *testing.T) {
	p := NewPool(1, 1, nil)
	key := testKey(1)

	data, _, err := p.Encrypt(context.Background(), "conv-1", []byte("x"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Park the single worker on a blocking key provider, then fill the
	// one queue slot, so TryEncrypt has nowhere to go.
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := func(ctx context.Context, version int) (convkey.ConversationKey, error) {
		started <- struct{}{}
		<-release
		return key, nil
	}

	errCh := make(chan error, 2)
	go func() {
		_, _, err := p.Decrypt(context.Background(), "conv-1", data, blocking)
		errCh <- err
	}()
	<-started

	go func() {
		_, _, err := p.Decrypt(context.Background(), "conv-1", data, blocking)
		errCh <- err
	}()
	for i := 0; len(p.tasks) == 0 && i < 1000; i++ {
		time.Sleep(time.Millisecond)
	}
	if len(p.tasks) == 0 {
		t.Fatal("queued task never landed")
	}

	if _, _, err := p.TryEncrypt(context.Background(), "conv-1", []byte("y"), key); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("parked decrypt: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("queued decrypt: %v", err)
	}

	p.Close()
	if _, _, err := p.Encrypt(context.Background(), "conv-1", []byte("z"), key); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed after close", err)
	}
}
