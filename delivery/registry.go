package delivery

import (
	"hash/fnv"
	"sync"
)

// Frame is one framed message pushed over a live stream. ID doubles as the
// client's reconnect cursor: it is "<score>-<messageId>", where score is
// the replay store's ordering key.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// Conn is one open live-stream connection owned by a user. Push writes and
// flushes a single frame; it must be safe to call from multiple goroutines.
// Identity is by reference: the same Conn value added to the registry is
// the one removed.
type Conn interface {
	Push(f Frame) error
	Close()
}

const registryShards = 32

type registryShard struct {
	mu    sync.Mutex
	conns map[string][]Conn
}

// Registry maps a user id to that user's currently open connections.
// Locking is scoped per shard so unrelated users do not contend on a
// single global lock. A user with no connections is absent entirely.
type Registry struct {
	shards [registryShards]registryShard
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string][]Conn)
	}
	return r
}

func (r *Registry) shardFor(userID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%registryShards]
}

// Add appends a connection to the user's set.
func (r *Registry) Add(userID string, c Conn) {
	s := r.shardFor(userID)
	s.mu.Lock()
	s.conns[userID] = append(s.conns[userID], c)
	s.mu.Unlock()
}

// Get returns a snapshot of the user's connections, empty if none. Callers
// never observe structural changes mid-iteration.
func (r *Registry) Get(userID string) []Conn {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.conns[userID]
	if len(list) == 0 {
		return nil
	}
	out := make([]Conn, len(list))
	copy(out, list)
	return out
}

// Remove deletes one connection from the user's set; the user's key is
// dropped entirely once the set is empty. Removing an unknown connection
// is a no-op, so concurrent prune paths stay idempotent.
func (r *Registry) Remove(userID string, c Conn) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.conns[userID]
	if !ok {
		return
	}
	for i, existing := range list {
		if existing == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.conns, userID)
		return
	}
	s.conns[userID] = list
}

// Snapshot returns a copy of the whole user-to-connections mapping.
func (r *Registry) Snapshot() map[string][]Conn {
	out := make(map[string][]Conn)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for userID, list := range s.conns {
			conns := make([]Conn, len(list))
			copy(conns, list)
			out[userID] = conns
		}
		s.mu.Unlock()
	}
	return out
}

// Len reports the total number of open connections.
func (r *Registry) Len() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, list := range s.conns {
			total += len(list)
		}
		s.mu.Unlock()
	}
	return total
}

// DrainAll closes every registered connection and empties the registry.
// Used at shutdown.
func (r *Registry) DrainAll() {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for userID, list := range s.conns {
			for _, c := range list {
				c.Close()
			}
			delete(s.conns, userID)
		}
		s.mu.Unlock()
	}
}
