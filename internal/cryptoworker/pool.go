// Package cryptoworker runs authenticated encryption and decryption on
// a fixed pool of workers, keeping CPU-bound cryptography off the
// interactive path. Callers submit a task and wait on its result
// channel; workers never share mutable state with the caller.
package cryptoworker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"chatsync/internal/convkey"
	"chatsync/internal/domain"
	"chatsync/internal/envelope"
	"chatsync/internal/observability/metrics"
)

// KeyProvider resolves the conversation key for a specific version,
// typically backed by convkey.Service.KeyForVersion. It is how decrypt
// obtains the right key for whatever version an envelope declares.
type KeyProvider func(ctx context.Context, version int) (convkey.ConversationKey, error)

type opKind int

const (
	opEncrypt opKind = iota
	opDecrypt
)

type result struct {
	data []byte
	info domain.EncryptionInfo
	err  error
}

type task struct {
	ctx            context.Context
	op             opKind
	conversationID string
	payload        []byte
	key            convkey.ConversationKey
	keyFor         KeyProvider
	out            chan result
}

// Pool is the crypto offload worker pool. Construct with NewPool,
// inject where needed, and Close when the client shuts down.
type Pool struct {
	tasks  chan task
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewPool(workers, queueDepth int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueDepth <= 0 {
		queueDepth = workers * 8
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		tasks:  make(chan task, queueDepth),
		closed: make(chan struct{}),
		log:    log,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case t := <-p.tasks:
			if err := t.ctx.Err(); err != nil {
				t.out <- result{err: err}
				continue
			}
			t.out <- p.run(t)
		}
	}
}

func (p *Pool) run(t task) result {
	switch t.op {
	case opEncrypt:
		data, err := seal(t.conversationID, t.key.Key, t.key.Version, t.payload)
		if err != nil {
			metrics.CryptoOpsTotal.WithLabelValues("encrypt", "failure").Inc()
			return result{err: fmt.Errorf("cryptoworker: encrypt: %w", err)}
		}
		metrics.CryptoOpsTotal.WithLabelValues("encrypt", "success").Inc()
		metrics.CiphertextBytes.WithLabelValues("encrypt").Observe(float64(len(data)))
		return result{
			data: data,
			info: domain.EncryptionInfo{
				Algorithm:  envelope.AlgChaCha20Poly1305.String(),
				KeyVersion: t.key.Version,
			},
		}
	case opDecrypt:
		return p.runDecrypt(t)
	}
	return result{err: fmt.Errorf("cryptoworker: unknown op %d", t.op)}
}

func (p *Pool) runDecrypt(t task) result {
	env, err := envelope.Decode(t.payload)
	if err != nil {
		metrics.CryptoOpsTotal.WithLabelValues("decrypt", "malformed").Inc()
		return result{err: fmt.Errorf("%w: %v", ErrDecryptionFailed, err)}
	}

	key, err := t.keyFor(t.ctx, env.KeyVersion)
	if err != nil {
		// Key troubles are a different condition than a bad envelope;
		// the caller distinguishes the two with errors.Is.
		metrics.CryptoOpsTotal.WithLabelValues("decrypt", "no_key").Inc()
		return result{err: err}
	}

	plaintext, err := open(t.conversationID, key.Key, env)
	if err != nil {
		metrics.CryptoOpsTotal.WithLabelValues("decrypt", "failure").Inc()
		p.log.Debug("decryption failed",
			"conversation_id", t.conversationID,
			"key_version", env.KeyVersion,
			"algorithm", env.Algorithm.String(),
			"ciphertext_bytes", len(t.payload),
		)
		return result{err: err}
	}

	metrics.CryptoOpsTotal.WithLabelValues("decrypt", "success").Inc()
	metrics.CiphertextBytes.WithLabelValues("decrypt").Observe(float64(len(t.payload)))
	return result{
		data: plaintext,
		info: domain.EncryptionInfo{
			Algorithm:  env.Algorithm.String(),
			KeyVersion: env.KeyVersion,
		},
	}
}

// Encrypt seals plaintext under the given conversation key and returns
// the canonical envelope bytes. It blocks the calling goroutine, not
// the timeline owner; engine code calls it from send and pump
// goroutines only.
func (p *Pool) Encrypt(ctx context.Context, conversationID string, plaintext []byte, key convkey.ConversationKey) ([]byte, domain.EncryptionInfo, error) {
	return p.submit(ctx, task{
		ctx:            ctx,
		op:             opEncrypt,
		conversationID: conversationID,
		payload:        plaintext,
		key:            key,
	})
}

// Decrypt opens envelope bytes produced by any supported encoding,
// resolving the key version the envelope declares through keyFor.
func (p *Pool) Decrypt(ctx context.Context, conversationID string, data []byte, keyFor KeyProvider) ([]byte, domain.EncryptionInfo, error) {
	return p.submit(ctx, task{
		ctx:            ctx,
		op:             opDecrypt,
		conversationID: conversationID,
		payload:        data,
		keyFor:         keyFor,
	})
}

// TryEncrypt is the non-blocking variant; it fails fast with
// ErrQueueFull when the queue is saturated instead of waiting.
func (p *Pool) TryEncrypt(ctx context.Context, conversationID string, plaintext []byte, key convkey.ConversationKey) ([]byte, domain.EncryptionInfo, error) {
	t := task{
		ctx:            ctx,
		op:             opEncrypt,
		conversationID: conversationID,
		payload:        plaintext,
		key:            key,
		out:            make(chan result, 1),
	}
	select {
	case p.tasks <- t:
	case <-p.closed:
		return nil, domain.EncryptionInfo{}, ErrClosed
	default:
		return nil, domain.EncryptionInfo{}, ErrQueueFull
	}
	return p.wait(ctx, t)
}

func (p *Pool) submit(ctx context.Context, t task) ([]byte, domain.EncryptionInfo, error) {
	t.out = make(chan result, 1)
	select {
	case p.tasks <- t:
	case <-p.closed:
		return nil, domain.EncryptionInfo{}, ErrClosed
	case <-ctx.Done():
		return nil, domain.EncryptionInfo{}, ctx.Err()
	}
	return p.wait(ctx, t)
}

func (p *Pool) wait(ctx context.Context, t task) ([]byte, domain.EncryptionInfo, error) {
	select {
	case r := <-t.out:
		return r.data, r.info, r.err
	case <-p.closed:
		return nil, domain.EncryptionInfo{}, ErrClosed
	case <-ctx.Done():
		return nil, domain.EncryptionInfo{}, ctx.Err()
	}
}

// Close stops the workers. Tasks still queued are abandoned; their
// submitters receive ErrClosed.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}
