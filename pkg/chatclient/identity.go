package chatclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/backend/remote"
	"chatsync/internal/keystore"
	"chatsync/internal/store"
)

// identity resolves key material for the sync engine. The private key
// comes from the local key store; peer public keys resolve through a
// three-level chain: in-memory cache, then the local peer table, then
// the backend key directory. Directory hits are written back to the
// peer table, so once a peer has been resolved its history stays
// readable offline.
type identity struct {
	userID string
	keys   *keystore.Store
	peers  *store.PeerKeyStore
	remote *remote.Client
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string][32]byte
}

func newIdentity(userID string, keys *keystore.Store, peers *store.PeerKeyStore, rc *remote.Client, log *slog.Logger) *identity {
	return &identity{
		userID: userID,
		keys:   keys,
		peers:  peers,
		remote: rc,
		log:    log,
		cache:  make(map[string][32]byte),
	}
}

func (i *identity) CurrentUserID() string { return i.userID }

func (i *identity) PrivateKey(ctx context.Context) ([32]byte, error) {
	kp, err := i.keys.GetOrCreate(ctx)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chatclient: load identity key: %w", err)
	}
	return kp.Private, nil
}

func (i *identity) PublicKey(ctx context.Context, userID string) ([32]byte, error) {
	if userID == i.userID {
		kp, err := i.keys.GetOrCreate(ctx)
		if err != nil {
			return [32]byte{}, fmt.Errorf("chatclient: load identity key: %w", err)
		}
		return kp.Public, nil
	}

	i.mu.Lock()
	pub, ok := i.cache[userID]
	i.mu.Unlock()
	if ok {
		return pub, nil
	}

	if pub, err := i.peers.Get(ctx, userID); err == nil {
		i.remember(userID, pub)
		return pub, nil
	}

	pub, err := i.remote.FetchKey(ctx, userID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chatclient: resolve key for %s: %w", userID, err)
	}
	if err := i.peers.Upsert(ctx, userID, pub, time.Now()); err != nil {
		// The key is still usable this session; only the offline
		// cache missed out.
		i.log.Warn("caching peer key failed", "user_id", userID, "err", err)
	}
	i.remember(userID, pub)
	return pub, nil
}

func (i *identity) remember(userID string, pub [32]byte) {
	i.mu.Lock()
	i.cache[userID] = pub
	i.mu.Unlock()
}

// logNotifier stands in for a platform notification bridge. Suppress
// and release transitions are only logged; wiring real push delivery
// is the embedder's job.
type logNotifier struct {
	log *slog.Logger
}

func (n logNotifier) SuppressConversation(conversationID string) {
	n.log.Debug("notifications suppressed", "conversation_id", conversationID)
}

func (n logNotifier) ReleaseConversation(conversationID string) {
	n.log.Debug("notifications released", "conversation_id", conversationID)
}
