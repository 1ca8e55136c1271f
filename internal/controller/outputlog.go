package controller

import "sync"

// OutputLog is the append-only record of remote session output. The session
// layer owns and appends to it; the Controller only reads, tracking its own
// cursor. Chunks are never mutated or removed for the life of a session.
type OutputLog struct {
	mu     sync.Mutex
	chunks []string
	notify chan struct{}
}

func NewOutputLog() *OutputLog {
	return &OutputLog{notify: make(chan struct{}, 1)}
}

// Append records one output chunk and wakes any waiting consumer.
func (l *OutputLog) Append(chunk string) {
	l.mu.Lock()
	l.chunks = append(l.chunks, chunk)
	l.mu.Unlock()
	l.Pulse()
}

// OutputLen returns the number of chunks appended so far.
func (l *OutputLog) OutputLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chunks)
}

// OutputChunk returns the chunk at index i. Valid for 0 <= i < OutputLen().
func (l *OutputLog) OutputChunk(i int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chunks[i]
}

// Notify returns the wake-up channel. One pending pulse is retained;
// consecutive pulses coalesce, so consumers must drain state by cursor, not
// by counting signals.
func (l *OutputLog) Notify() <-chan struct{} {
	return l.notify
}

// Pulse wakes the consumer without appending output. Session implementations
// call it on connection state changes.
func (l *OutputLog) Pulse() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}
