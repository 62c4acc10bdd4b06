package server

import (
	"net"
	"sync"

	"github.com/andrei-cloud/duplex"
)

// configureSocket applies TCP options to an accepted socket.
func (s *Server[T]) configureSocket(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	_ = tcpConn.SetNoDelay(true)
	if s.config.KeepAliveInterval > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			s.logf("set keepalive error: %v", err)
			return
		}
		if err := tcpConn.SetKeepAlivePeriod(s.config.KeepAliveInterval); err != nil {
			s.logf("set keepalive period error: %v", err)
		}
	}
}

// entry is one registered connection. evicted is set once the connection was
// found closed and its disconnect hook fired.
type entry[T duplex.Tag] struct {
	conn    *duplex.Connection[T]
	evicted bool
}

// registry is the ordered set of admitted connections. Senders iterate over
// a snapshot, flag dead entries, and compact once afterwards.
type registry[T duplex.Tag] struct {
	mu      sync.Mutex
	entries []*entry[T]
}

func (r *registry[T]) add(c *duplex.Connection[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &entry[T]{conn: c})
}

// snapshot returns the live entries in registration order.
func (r *registry[T]) snapshot() []*entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entry[T], 0, len(r.entries))
	for _, e := range r.entries {
		if !e.evicted {
			out = append(out, e)
		}
	}

	return out
}

// find returns the live entry holding c, or the one with the given id when c is nil.
func (r *registry[T]) find(c *duplex.Connection[T], id uint32) *entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.evicted {
			continue
		}
		if (c != nil && e.conn == c) || (c == nil && e.conn.ID() == id) {
			return e
		}
	}

	return nil
}

// evict flags e and reports whether this call did it.
func (r *registry[T]) evict(e *entry[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.evicted {
		return false
	}
	e.evicted = true

	return true
}

// compact drops flagged entries, keeping order.
func (r *registry[T]) compact() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	for _, e := range r.entries {
		if !e.evicted {
			kept = append(kept, e)
		}
	}
	clear(r.entries[len(kept):])
	r.entries = kept
}

func (r *registry[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if !e.evicted {
			n++
		}
	}

	return n
}

// open returns the number of live entries whose socket is still open.
func (r *registry[T]) open() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if !e.evicted && e.conn.IsConnected() {
			n++
		}
	}

	return n
}
