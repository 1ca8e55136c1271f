package terminal

import (
	"io"
	"sync"
	"time"
)

const defaultIdleTimeout = 30 * time.Minute

// sessionRegistry tracks active bridge sessions and enforces idle timeouts.
// The WebSocket route handler calls Touch on each frame received; the
// background janitor closes sessions that have been idle too long.
type sessionRegistry struct {
	mu          sync.Mutex
	idleTimeout time.Duration
	sessions    map[string]*registeredSession
}

type registeredSession struct {
	id      string
	session io.Closer
	lastMsg time.Time
	done    chan struct{} // closed by Unregister to stop the idle goroutine immediately
}

var registry = &sessionRegistry{
	idleTimeout: defaultIdleTimeout,
	sessions:    make(map[string]*registeredSession),
}

// SetIdleTimeout adjusts the idle limit for sessions registered afterwards.
// Values below one minute are ignored.
func SetIdleTimeout(d time.Duration) {
	if d < time.Minute {
		return
	}
	registry.mu.Lock()
	registry.idleTimeout = d
	registry.mu.Unlock()
}

// Register adds a session to the registry and starts idle monitoring.
// The session is automatically closed after the idle timeout of inactivity.
func Register(id string, sess io.Closer) {
	done := make(chan struct{})
	registry.mu.Lock()
	idle := registry.idleTimeout
	registry.sessions[id] = &registeredSession{
		id:      id,
		session: sess,
		lastMsg: time.Now(),
		done:    done,
	}
	registry.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return // Unregister called; exit immediately
			case <-ticker.C:
				registry.mu.Lock()
				rs, ok := registry.sessions[id]
				if !ok {
					registry.mu.Unlock()
					return
				}
				if time.Since(rs.lastMsg) >= idle {
					delete(registry.sessions, id)
					registry.mu.Unlock()
					_ = sess.Close()
					return
				}
				registry.mu.Unlock()
			}
		}
	}()
}

// SessionInfo is the administrative view of one registered session.
type SessionInfo struct {
	ID      string    `json:"id"`
	LastMsg time.Time `json:"last_msg"`
}

// Sessions lists the currently registered sessions.
func Sessions() []SessionInfo {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]SessionInfo, 0, len(registry.sessions))
	for _, rs := range registry.sessions {
		out = append(out, SessionInfo{ID: rs.id, LastMsg: rs.lastMsg})
	}
	return out
}

// CloseSession force-closes a registered session, as the idle janitor would.
// Returns false when the id is unknown.
func CloseSession(id string) bool {
	registry.mu.Lock()
	rs, ok := registry.sessions[id]
	if ok {
		delete(registry.sessions, id)
		close(rs.done)
	}
	registry.mu.Unlock()
	if !ok {
		return false
	}
	_ = rs.session.Close()
	return true
}

// Touch updates the last-activity timestamp for the session, resetting the
// idle timer. Should be called for every frame received on the WebSocket.
func Touch(id string) {
	registry.mu.Lock()
	if rs, ok := registry.sessions[id]; ok {
		rs.lastMsg = time.Now()
	}
	registry.mu.Unlock()
}

// Unregister removes the session from the registry (called on WebSocket close).
// It does NOT close the session itself; the caller is responsible for that.
// The idle-monitoring goroutine is signalled to exit immediately via done.
func Unregister(id string) {
	registry.mu.Lock()
	rs, ok := registry.sessions[id]
	if ok {
		delete(registry.sessions, id)
		close(rs.done)
	}
	registry.mu.Unlock()
}
