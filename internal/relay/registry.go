package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultRateWindow and DefaultRateLimit bound inbound messages per
	// session: at most DefaultRateLimit messages per window.
	DefaultRateWindow = 15 * time.Minute
	DefaultRateLimit  = 100
)

// sessionRecord is the per-connection bookkeeping owned by the Registry.
// Its rate window is guarded by its own mutex, not a registry-wide lock.
type sessionRecord struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// Registry tracks live sessions and enforces the per-session inbound
// message quota.
//
// Rate limiting uses a fixed window with a hard reset: once a window has
// fully elapsed, the counter drops to zero and the window restarts at the
// time of the next message, so a full burst of limit messages is admitted
// immediately after each reset. This is deliberately not a sliding log.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
	window   time.Duration
	limit    int
	clock    clockwork.Clock
}

func NewRegistry(window time.Duration, limit int, clock clockwork.Clock) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionRecord),
		window:   window,
		limit:    limit,
		clock:    clock,
	}
}

// Register creates a session record with a fresh rate window and returns
// its identifier.
func (r *Registry) Register() string {
	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = &sessionRecord{windowStart: r.clock.Now()}
	r.mu.Unlock()
	return id
}

// Unregister removes the session unconditionally. Calling it for an id
// that is already gone is a no-op, so every session exit path can run it.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Allow records one inbound message for id and reports whether it is within
// quota. The first limit messages of a window are allowed; everything after
// is refused until the window elapses. Unknown ids are refused.
func (r *Registry) Allow(id string) bool {
	r.mu.RLock()
	rec := r.sessions[id]
	r.mu.RUnlock()
	if rec == nil {
		return false
	}

	now := r.clock.Now()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if now.Sub(rec.windowStart) >= r.window {
		rec.windowStart = now
		rec.count = 0
	}
	if rec.count >= r.limit {
		return false
	}
	rec.count++
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
