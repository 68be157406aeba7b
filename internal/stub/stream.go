package stub

import (
	"net"
	"sync"

	"github.com/tevino/abool"
)

// Stream tracks the set of in-flight queries carried by a single TCP
// connection. The Listener keeps the Stream open until reading from it
// ends, then cancels every query still carried and closes it; each
// carried query is only
// registered in carried (by DuplicateKey) for cancellation, never given an
// owning reference back to the Stream, which keeps stream and query from
// forming a reference cycle.
type Stream struct {
	conn net.Conn

	mu      sync.Mutex
	carried map[DuplicateKey]struct{}
	closed  *abool.AtomicBool
}

// NewStream wraps conn for tracking.
func NewStream(conn net.Conn) *Stream {
	return &Stream{conn: conn, carried: make(map[DuplicateKey]struct{}), closed: abool.New()}
}

// Conn returns the underlying connection.
func (s *Stream) Conn() net.Conn { return s.conn }

// Add registers a query key as carried by this stream.
func (s *Stream) Add(key DuplicateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carried[key] = struct{}{}
}

// Remove unregisters a query key, e.g. once its reply has been sent.
func (s *Stream) Remove(key DuplicateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carried, key)
}

// Keys returns every currently-carried query key.
func (s *Stream) Keys() []DuplicateKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]DuplicateKey, 0, len(s.carried))
	for k := range s.carried {
		keys = append(keys, k)
	}
	return keys
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Stream) Close() error {
	if !s.closed.SetToIf(false, true) {
		return nil
	}
	return s.conn.Close()
}
