// Package bridge owns the gateway side of one embedded terminal emulator.
//
// A Bridge is the only component that sends protocol Commands into the
// embedded context or receives protocol Messages back from it. It tracks the
// emulator's readiness and grid size, queues commands issued before the
// emulator has finished booting, and fans inbound events out to the handlers
// supplied at construction.
package bridge

import (
	"log/slog"
	"sync"

	"github.com/termgate/termgate/internal/protocol"
)

// State tracks the emulator lifecycle. Transitions only move forward; a new
// session requires a new Bridge.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Endpoint delivers one encoded command frame to the embedded context.
// Implementations are expected to be fire-and-forget; a returned error means
// the frame was not delivered (context torn down) and is absorbed by the
// Bridge.
type Endpoint interface {
	Send(payload []byte) error
}

// Handlers receive inbound emulator events. All fields are optional; they are
// fixed at construction and invoked without any Bridge lock held, so a handler
// may call back into the Bridge.
type Handlers struct {
	// Ready fires exactly once, the first time the emulator reports that its
	// startup completed. Any queued commands are flushed before it fires.
	Ready func()
	// Input fires once per input message, in arrival order, never coalesced.
	// Data is the raw keystroke payload, control sequences included.
	Input func(data string)
	// Resize fires after the emulator recalculates its grid.
	Resize func(cols, rows int)
}

// Bridge relays commands and events across the embedded-context boundary for
// one terminal session. Safe for concurrent use.
type Bridge struct {
	endpoint Endpoint
	handlers Handlers
	log      *slog.Logger

	mu      sync.Mutex
	state   State
	cols    int
	rows    int
	pending []protocol.Command
}

// New creates a Bridge in the Uninitialized state.
func New(endpoint Endpoint, handlers Handlers, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		endpoint: endpoint,
		handlers: handlers,
		log:      log,
	}
}

// Start marks the embedded runtime as booting. Commands remain queued until
// the emulator's ready message arrives.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateUninitialized {
		b.state = StateInitializing
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Size returns the grid dimensions last reported by the emulator. The
// emulator, not the gateway, is authoritative for its own layout; the values
// are zero until the first resize message.
func (b *Bridge) Size() (cols, rows int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cols, b.rows
}

// Write appends raw output to the emulator screen buffer, escape sequences
// intact. Before the emulator is ready the command is queued; after Close it
// is dropped.
func (b *Bridge) Write(data string) {
	b.send(protocol.WriteCommand(data))
}

// Clear resets the emulator screen buffer and cursor. Safe to call at any
// point in the lifecycle, repeatedly.
func (b *Bridge) Clear() {
	b.send(protocol.ClearCommand())
}

// Resize forces the emulator to the given grid. The emulator answers with a
// resize message once its layout engine has refit, which is when Size updates.
func (b *Bridge) Resize(cols, rows int) {
	b.send(protocol.ResizeCommand(cols, rows))
}

func (b *Bridge) send(cmd protocol.Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return
	case StateReady:
		b.deliverLocked(cmd)
	default:
		b.pending = append(b.pending, cmd)
	}
}

// deliverLocked encodes and sends one command. Delivery failures are logged
// and absorbed: the embedded context disappearing mid-send is an expected
// teardown race, never an error for the caller.
func (b *Bridge) deliverLocked(cmd protocol.Command) {
	payload, err := cmd.Encode()
	if err != nil {
		b.log.Error("bridge: encode command", "cmd", cmd.Cmd, "err", err)
		return
	}
	if err := b.endpoint.Send(payload); err != nil {
		b.log.Debug("bridge: command not delivered", "cmd", cmd.Cmd, "err", err)
	}
}

// Dispatch parses one inbound frame from the embedded context and routes it.
// Malformed frames are logged and dropped. Frames arriving after Close are
// ignored.
func (b *Bridge) Dispatch(payload []byte) {
	msg, err := protocol.ParseMessage(payload)
	if err != nil {
		b.log.Warn("bridge: dropping inbound frame", "err", err)
		return
	}

	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}

	switch msg.Type {
	case protocol.MessageReady:
		if b.state == StateReady {
			// Emulators should only report ready once; a duplicate is
			// harmless and ignored.
			b.mu.Unlock()
			return
		}
		b.state = StateReady
		queued := b.pending
		b.pending = nil
		for _, cmd := range queued {
			b.deliverLocked(cmd)
		}
		b.mu.Unlock()
		if b.handlers.Ready != nil {
			b.handlers.Ready()
		}

	case protocol.MessageInput:
		b.mu.Unlock()
		if b.handlers.Input != nil {
			b.handlers.Input(msg.Data)
		}

	case protocol.MessageResize:
		b.cols, b.rows = msg.Cols, msg.Rows
		b.mu.Unlock()
		if b.handlers.Resize != nil {
			b.handlers.Resize(msg.Cols, msg.Rows)
		}
	}
}

// Close terminates the session. Every later Write/Clear/Resize/Dispatch is a
// no-op; queued commands are discarded. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.pending = nil
}
