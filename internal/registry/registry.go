// Package registry tracks live streaming sessions by subscription key (the
// comma-joined sorted source-id set a session reads from) and fans messages
// out to them. Broadcast iterates a snapshot of each key's session list so a
// concurrent detach cannot skip a peer; a failed send is treated as a
// disconnect and detaches the session.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Session is the registry's view of one streaming connection.
type Session interface {
	ID() string
	Send(v any) error
}

// Peer pairs a session with the subscription key it is attached under, so a
// broadcast can stamp each frame with the receiver's own key.
type Peer struct {
	Session Session
	Key     string
}

type keyEntry struct {
	mu       sync.Mutex
	removed  bool
	sessions []Session
}

// Registry maps subscription keys to live sessions.
type Registry struct {
	logger *zap.Logger
	conns  *xsync.Map[string, *keyEntry]
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		conns:  xsync.NewMap[string, *keyEntry](),
	}
}

// Attach adds a session under key.
func (r *Registry) Attach(key string, s Session) {
	for {
		entry, _ := r.conns.LoadOrCompute(key, func() (*keyEntry, bool) {
			return &keyEntry{}, false
		})
		entry.mu.Lock()
		if entry.removed {
			entry.mu.Unlock()
			continue // entry was deleted between load and lock; retry
		}
		entry.sessions = append(entry.sessions, s)
		n := len(entry.sessions)
		entry.mu.Unlock()

		r.logger.Info("client connected",
			zap.String("key", key),
			zap.String("session_id", s.ID()),
			zap.Int("total", n))
		return
	}
}

// Detach removes a session from key. Empty keys are dropped from the map.
func (r *Registry) Detach(key string, s Session) {
	entry, ok := r.conns.Load(key)
	if !ok {
		return
	}
	entry.mu.Lock()
	found := false
	for i, cur := range entry.sessions {
		if cur.ID() == s.ID() {
			entry.sessions = append(entry.sessions[:i], entry.sessions[i+1:]...)
			found = true
			break
		}
	}
	remaining := len(entry.sessions)
	if found && remaining == 0 {
		entry.removed = true
		r.conns.Delete(key)
	}
	entry.mu.Unlock()

	if found {
		r.logger.Info("client disconnected",
			zap.String("key", key),
			zap.String("session_id", s.ID()),
			zap.Int("remaining", remaining))
	}
}

// Count returns the number of sessions attached under key.
func (r *Registry) Count(key string) int {
	entry, ok := r.conns.Load(key)
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.sessions)
}

// Broadcast sends msg to every session attached under key.
func (r *Registry) Broadcast(key string, msg any) {
	for _, s := range r.snapshot(key) {
		r.send(key, s, msg)
	}
}

// PeersForSource returns every attached session whose subscription set
// contains sourceID, excluding the session with id exceptID.
func (r *Registry) PeersForSource(sourceID, exceptID string) []Peer {
	var peers []Peer
	r.conns.Range(func(key string, _ *keyEntry) bool {
		if !keyContainsSource(key, sourceID) {
			return true
		}
		for _, s := range r.snapshot(key) {
			if s.ID() == exceptID {
				continue
			}
			peers = append(peers, Peer{Session: s, Key: key})
		}
		return true
	})
	return peers
}

// SendTo delivers msg to one peer, detaching it on failure.
func (r *Registry) SendTo(p Peer, msg any) {
	r.send(p.Key, p.Session, msg)
}

func (r *Registry) snapshot(key string) []Session {
	entry, ok := r.conns.Load(key)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]Session, len(entry.sessions))
	copy(out, entry.sessions)
	return out
}

func (r *Registry) send(key string, s Session, msg any) {
	if err := s.Send(msg); err != nil {
		r.logger.Warn("send failed, detaching session",
			zap.String("key", key),
			zap.String("session_id", s.ID()),
			zap.Error(err))
		r.Detach(key, s)
	}
}

func keyContainsSource(key, sourceID string) bool {
	for _, part := range strings.Split(key, ",") {
		if part == sourceID {
			return true
		}
	}
	return false
}

// SubscriptionKey builds the canonical key for a source-id set: the ids
// sorted and comma-joined.
func SubscriptionKey(sourceIDs []string) string {
	ids := make([]string, len(sourceIDs))
	copy(ids, sourceIDs)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
