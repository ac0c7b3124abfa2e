package convkey

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chatsync/internal/observability/metrics"
)

// DefaultTTL bounds how long a derived key stays cached before it is
// re-derived, limiting the exposure window of the cached secret.
const DefaultTTL = 30 * time.Minute

type cacheEntry struct {
	key     ConversationKey
	expires time.Time
}

// Service derives per-conversation keys with a TTL cache and collapses
// concurrent derivations for the same conversation into one
// computation. Construct one per client and inject it; it is not a
// package singleton.
type Service struct {
	ttl time.Duration
	now func() time.Time
	log *slog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	versions map[string]int
}

func NewService(ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		ttl:      ttl,
		now:      time.Now,
		log:      log,
		cache:    make(map[string]cacheEntry),
		versions: make(map[string]int),
	}
}

// GetOrDerive returns the current-version key for the conversation,
// from cache when fresh, otherwise deriving it once no matter how many
// callers arrive concurrently. Derivation itself is side-effect-free,
// so a canceled caller simply stops waiting; the shared computation
// still completes and fills the cache.
func (s *Service) GetOrDerive(ctx context.Context, conversationID string, myPriv, otherPub [32]byte) (ConversationKey, error) {
	version := s.CurrentVersion(conversationID)

	if key, ok := s.cached(conversationID, version); ok {
		metrics.KeyDerivationsTotal.WithLabelValues("cached").Inc()
		return key, nil
	}

	// Key the flight on the version as well, so callers racing a
	// rotation never join a derivation for the superseded version.
	flight := fmt.Sprintf("%s:v%d", conversationID, version)
	ch := s.group.DoChan(flight, func() (any, error) {
		if key, ok := s.cached(conversationID, version); ok {
			return key, nil
		}
		start := s.now()
		key, err := deriveVersion(conversationID, myPriv, otherPub, version, start)
		if err != nil {
			metrics.KeyDerivationsTotal.WithLabelValues("failed").Inc()
			s.log.Warn("conversation key derivation failed",
				"conversation_id", conversationID,
				"version", version,
				"err", err,
			)
			return nil, err
		}
		metrics.KeyDerivationsTotal.WithLabelValues("derived").Inc()
		metrics.KeyDerivationDurationSeconds.WithLabelValues().Observe(s.now().Sub(start).Seconds())

		s.mu.Lock()
		s.cache[conversationID] = cacheEntry{key: key, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()

		s.log.Debug("conversation key derived",
			"conversation_id", conversationID,
			"version", key.Version,
			"fingerprint", key.Fingerprint(),
		)
		return key, nil
	})

	select {
	case <-ctx.Done():
		return ConversationKey{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ConversationKey{}, res.Err
		}
		if res.Shared {
			metrics.KeyDerivationsTotal.WithLabelValues("coalesced").Inc()
		}
		return res.Val.(ConversationKey), nil
	}
}

// KeyForVersion re-derives a specific historical version so messages
// encrypted before a rotation stay readable. Results are not cached;
// the walk is cheap and versions other than the current one are cold
// paths.
func (s *Service) KeyForVersion(ctx context.Context, conversationID string, myPriv, otherPub [32]byte, version int) (ConversationKey, error) {
	if err := ctx.Err(); err != nil {
		return ConversationKey{}, err
	}
	if current := s.CurrentVersion(conversationID); version == current {
		return s.GetOrDerive(ctx, conversationID, myPriv, otherPub)
	}
	return deriveVersion(conversationID, myPriv, otherPub, version, s.now())
}

// Rotate advances the conversation to a new key version. The previous
// version remains derivable for decrypting history.
func (s *Service) Rotate(ctx context.Context, conversationID string, myPriv, otherPub [32]byte) (ConversationKey, error) {
	s.mu.Lock()
	next := s.versionLocked(conversationID) + 1
	s.versions[conversationID] = next
	delete(s.cache, conversationID)
	s.mu.Unlock()

	s.log.Info("conversation key rotated",
		"conversation_id", conversationID,
		"version", next,
	)
	return s.GetOrDerive(ctx, conversationID, myPriv, otherPub)
}

// ObserveVersion records a key version seen on an incoming message.
// When the counterpart rotates first, this is how the local side
// catches up; versions only ever move forward.
func (s *Service) ObserveVersion(conversationID string, version int) {
	if version < 2 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.versionLocked(conversationID) {
		s.versions[conversationID] = version
		delete(s.cache, conversationID)
	}
}

// CurrentVersion reports the conversation's active key version,
// starting at 1.
func (s *Service) CurrentVersion(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versionLocked(conversationID)
}

func (s *Service) versionLocked(conversationID string) int {
	if v, ok := s.versions[conversationID]; ok {
		return v
	}
	return 1
}

// Invalidate drops the cached key for a conversation, forcing the next
// caller to re-derive.
func (s *Service) Invalidate(conversationID string) {
	s.mu.Lock()
	delete(s.cache, conversationID)
	s.mu.Unlock()
}

func (s *Service) cached(conversationID string, version int) (ConversationKey, bool) {
	s.mu.RLock()
	entry, ok := s.cache[conversationID]
	s.mu.RUnlock()
	if !ok || entry.key.Version != version {
		return ConversationKey{}, false
	}
	if s.now().After(entry.expires) {
		s.mu.Lock()
		if e, still := s.cache[conversationID]; still && s.now().After(e.expires) {
			delete(s.cache, conversationID)
		}
		s.mu.Unlock()
		return ConversationKey{}, false
	}
	return entry.key, true
}
