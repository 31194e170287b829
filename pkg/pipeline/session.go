package pipeline

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const defaultSessionTTL = 30 * time.Minute

// session pairs a ConversationState with its writer lock. The lock is held
// for the whole of one Start or Continue call, so two stages of the same
// session never execute concurrently.
type session struct {
	mu    sync.Mutex
	state *ConversationState
}

// sessionStore holds live sessions with TTL expiry. Expiry while a call is
// in flight is harmless: the call holds the *session pointer and the stale
// guard discards its result.
type sessionStore struct {
	cache *ttlcache.Cache[string, *session]
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *session](ttl),
	)
	go cache.Start()
	return &sessionStore{cache: cache}
}

func (s *sessionStore) put(sess *session) {
	s.cache.Set(sess.state.SessionID, sess, ttlcache.DefaultTTL)
}

func (s *sessionStore) get(id string) (*session, bool) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (s *sessionStore) delete(id string) {
	s.cache.Delete(id)
}

func (s *sessionStore) has(id string) bool {
	return s.cache.Has(id)
}

func (s *sessionStore) len() int {
	return s.cache.Len()
}

func (s *sessionStore) keys() []string {
	return s.cache.Keys()
}

func (s *sessionStore) stop() {
	s.cache.Stop()
}
