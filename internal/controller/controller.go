// Package controller relays between a live remote shell session and the
// terminal bridge: session output goes down to the emulator, emulator
// keystrokes go up to the session.
package controller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/termgate/termgate/internal/bridge"
)

// DisconnectNotice is written into the terminal, as plain text, exactly once
// per live→disconnected transition.
const DisconnectNotice = "\r\n\x1b[90m[termgate] connection closed\x1b[0m\r\n"

// RemoteSession is the collaborator contract for a live shell connection.
// The Controller never mutates the session except via Write; the output log
// behind OutputLen/OutputChunk is append-only and ordered.
type RemoteSession interface {
	Connected() bool
	Connecting() bool
	// Write forwards keystroke bytes to the remote shell.
	Write(p []byte) (n int, err error)
	// OutputLen and OutputChunk expose the append-only output log.
	OutputLen() int
	OutputChunk(i int) string
	// Disconnects counts live→disconnected transitions so far. Monotonic.
	// Notify pulses coalesce, so the controller consumes this counter
	// instead of sampling Connected/Connecting: a transition that begins
	// and ends between two observations must still be counted.
	Disconnects() int
	// Notify wakes the controller after new output or a state change.
	// Pulses coalesce.
	Notify() <-chan struct{}
}

// resizer is implemented by sessions whose remote PTY can track the
// emulator's grid (terminal.Session does).
type resizer interface {
	Resize(rows, cols uint16) error
}

// Controller owns one Bridge and pumps one RemoteSession through it.
type Controller struct {
	session RemoteSession
	br      *bridge.Bridge
	log     *slog.Logger

	mu              sync.Mutex
	cursor          int // index of the next unrelayed output chunk
	seenDisconnects int // session disconnect transitions already noticed
}

// New builds a Controller and its Bridge over the given endpoint. The bridge
// handlers are wired here: emulator readiness triggers a catch-up sync and
// keystrokes are forwarded to the session.
func New(session RemoteSession, endpoint bridge.Endpoint, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{session: session, log: log}
	c.br = bridge.New(endpoint, bridge.Handlers{
		Ready:  c.handleReady,
		Input:  c.handleInput,
		Resize: c.handleResize,
	}, log)
	return c
}

// Bridge exposes the owned bridge so the transport layer can start it and
// dispatch inbound frames. No other component may send commands through it.
func (c *Controller) Bridge() *bridge.Bridge {
	return c.br
}

// Clear wipes the terminal screen.
func (c *Controller) Clear() {
	c.br.Clear()
}

// Run drives the relay until ctx is cancelled. On return the bridge is closed
// and any frame delivered afterwards is a no-op.
func (c *Controller) Run(ctx context.Context) {
	defer c.br.Close()
	c.Sync()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.session.Notify():
			c.Sync()
		}
	}
}

// Sync relays output chunks appended since the last call, exactly once each
// and in arrival order, then reconciles connection state. Also called from
// the ready handler so output produced while the emulator was booting is not
// lost (the bridge queues it regardless).
//
// The mutex is held across the bridge writes, not just the cursor reads:
// Sync runs concurrently from the Run loop and the ready handler, and an
// unlocked write phase would let a second Sync interleave newer chunks into
// the first one's backlog. Lock order is always controller then bridge; the
// bridge never calls back into the controller while holding its own lock.
func (c *Controller) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n := c.session.OutputLen(); c.cursor < n; c.cursor++ {
		c.br.Write(c.session.OutputChunk(c.cursor))
	}

	// One notice per disconnect transition, even when the live window opened
	// and closed entirely between two pulses.
	for d := c.session.Disconnects(); c.seenDisconnects < d; c.seenDisconnects++ {
		c.br.Write(DisconnectNotice)
	}
}

func (c *Controller) handleReady() {
	c.Sync()
}

// handleInput forwards one keystroke payload verbatim. Input while the
// session is not connected is dropped; the user sees nothing happen, which is
// the documented failure mode.
func (c *Controller) handleInput(data string) {
	if !c.session.Connected() {
		c.log.Warn("controller: dropping input, session not connected", "bytes", len(data))
		return
	}
	if _, err := c.session.Write([]byte(data)); err != nil {
		c.log.Warn("controller: session write failed", "err", err)
	}
}

// handleResize follows the emulator's grid on the remote PTY when the session
// supports it.
func (c *Controller) handleResize(cols, rows int) {
	r, ok := c.session.(resizer)
	if !ok {
		return
	}
	if err := r.Resize(uint16(rows), uint16(cols)); err != nil {
		c.log.Debug("controller: remote resize failed", "err", err)
	}
}
