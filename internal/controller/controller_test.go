package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/termgate/termgate/internal/protocol"
)

// fakeSession implements RemoteSession with scripted connection state.
type fakeSession struct {
	*OutputLog

	mu          sync.Mutex
	connected   bool
	connecting  bool
	disconnects int
	writes      []string
	resizes     [][2]uint16
}

func newFakeSession() *fakeSession {
	return &fakeSession{OutputLog: NewOutputLog()}
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Connecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connecting
}

func (s *fakeSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, string(p))
	return len(p), nil
}

func (s *fakeSession) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]uint16{rows, cols})
	return nil
}

func (s *fakeSession) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func (s *fakeSession) setState(connected, connecting bool) {
	s.mu.Lock()
	wasLive := s.connected || s.connecting
	s.connected, s.connecting = connected, connecting
	if wasLive && !connected && !connecting {
		s.disconnects++
	}
	s.mu.Unlock()
	s.Pulse()
}

func (s *fakeSession) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// safeEndpoint records delivered frames; safe for use from the Run goroutine.
type safeEndpoint struct {
	mu     sync.Mutex
	frames [][]byte
}

func (e *safeEndpoint) Send(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, append([]byte(nil), payload...))
	return nil
}

func (e *safeEndpoint) commands(t *testing.T) []protocol.Command {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Command, 0, len(e.frames))
	for _, frame := range e.frames {
		var cmd protocol.Command
		if err := json.Unmarshal(frame, &cmd); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		out = append(out, cmd)
	}
	return out
}

func (e *safeEndpoint) terminalText(t *testing.T) string {
	t.Helper()
	text := ""
	for _, cmd := range e.commands(t) {
		if cmd.Cmd == protocol.CommandWrite {
			text += cmd.Data
		}
	}
	return text
}

// newReadyController builds a controller whose emulator already reported
// ready, so writes pass straight through to the endpoint.
func newReadyController(sess *fakeSession) (*Controller, *safeEndpoint) {
	ep := &safeEndpoint{}
	c := New(sess, ep, nil)
	c.Bridge().Start()
	c.Bridge().Dispatch([]byte(`{"type":"ready"}`))
	return c, ep
}

func TestOutputRelayedExactlyOncePerChunk(t *testing.T) {
	sess := newFakeSession()
	sess.setState(true, false)
	c, ep := newReadyController(sess)

	sess.Append("foo")
	sess.Append("bar")
	c.Sync()
	c.Sync() // no redelivery on a second pass

	cmds := ep.commands(t)
	if len(cmds) != 2 {
		t.Fatalf("expected exactly 2 write commands, got %d: %+v", len(cmds), cmds)
	}
	if cmds[0].Data != "foo" || cmds[1].Data != "bar" {
		t.Fatalf("chunk order: %q, %q", cmds[0].Data, cmds[1].Data)
	}
}

func TestOutputBeforeEmulatorReadyIsNotLost(t *testing.T) {
	sess := newFakeSession()
	sess.setState(true, false)
	ep := &safeEndpoint{}
	c := New(sess, ep, nil)
	c.Bridge().Start()

	sess.Append("early banner\r\n")
	c.Sync()
	if len(ep.frames) != 0 {
		t.Fatal("nothing should reach the emulator before ready")
	}

	c.Bridge().Dispatch([]byte(`{"type":"ready"}`))

	if got := ep.terminalText(t); got != "early banner\r\n" {
		t.Fatalf("terminal text: %q", got)
	}
}

func TestInputForwardedInOrder(t *testing.T) {
	sess := newFakeSession()
	sess.setState(true, false)
	c, _ := newReadyController(sess)

	c.Bridge().Dispatch([]byte(`{"type":"input","data":"a"}`))
	c.Bridge().Dispatch([]byte(`{"type":"input","data":"b"}`))
	c.Bridge().Dispatch([]byte(`{"type":"input","data":"c"}`))

	got := sess.written()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("session writes: %v", got)
	}
}

func TestInputDroppedWhileDisconnected(t *testing.T) {
	sess := newFakeSession()
	c, _ := newReadyController(sess)

	c.Bridge().Dispatch([]byte(`{"type":"input","data":"ls\r"}`))

	if got := sess.written(); len(got) != 0 {
		t.Fatalf("expected no session writes, got %v", got)
	}
}

func TestDisconnectNoticeOncePerTransition(t *testing.T) {
	sess := newFakeSession()
	c, ep := newReadyController(sess)

	// Initial not-yet-connected state must not produce a notice.
	c.Sync()

	sess.setState(false, true) // connecting
	c.Sync()
	sess.setState(true, false) // connected
	c.Sync()
	sess.setState(false, false) // dropped
	c.Sync()
	c.Sync() // still disconnected, no second notice

	sess.setState(true, false) // reconnected
	c.Sync()
	sess.setState(false, false) // dropped again
	c.Sync()

	notices := 0
	for _, cmd := range ep.commands(t) {
		if cmd.Cmd == protocol.CommandWrite && cmd.Data == DisconnectNotice {
			notices++
		}
	}
	if notices != 2 {
		t.Fatalf("disconnect notices: got %d, want 2", notices)
	}
}

func TestConcurrentSyncKeepsChunkOrder(t *testing.T) {
	sess := newFakeSession()
	sess.setState(true, false)
	c, ep := newReadyController(sess)

	const backlog = 300
	for i := 0; i < backlog; i++ {
		sess.Append(fmt.Sprintf("%04d;", i))
	}

	// One Sync drains the backlog while a second delivers a fresh chunk.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Sync()
	}()
	go func() {
		defer wg.Done()
		sess.Append(fmt.Sprintf("%04d;", backlog))
		c.Sync()
	}()
	wg.Wait()

	cmds := ep.commands(t)
	if len(cmds) != backlog+1 {
		t.Fatalf("writes: got %d, want %d", len(cmds), backlog+1)
	}
	for i, cmd := range cmds {
		if want := fmt.Sprintf("%04d;", i); cmd.Data != want {
			t.Fatalf("position %d: got %q, want %q", i, cmd.Data, want)
		}
	}
}

func TestDisconnectNoticeSurvivesCoalescedPulses(t *testing.T) {
	sess := newFakeSession()
	c, ep := newReadyController(sess)

	// Connecting and disconnected both happen before the controller gets a
	// chance to observe the intermediate state.
	sess.setState(false, true)
	sess.setState(false, false)
	c.Sync()

	if got := ep.terminalText(t); got != DisconnectNotice {
		t.Fatalf("terminal text: %q", got)
	}
}

func TestConnectFailureAlsoNotices(t *testing.T) {
	sess := newFakeSession()
	c, ep := newReadyController(sess)

	sess.setState(false, true) // connecting
	c.Sync()
	sess.setState(false, false) // dial failed
	c.Sync()

	if got := ep.terminalText(t); got != DisconnectNotice {
		t.Fatalf("terminal text: %q", got)
	}
}

func TestPendingOutputFlushesBeforeDisconnectNotice(t *testing.T) {
	sess := newFakeSession()
	sess.setState(true, false)
	c, ep := newReadyController(sess)

	sess.Append("last words")
	sess.setState(false, false)
	c.Sync()

	if got := ep.terminalText(t); got != "last words"+DisconnectNotice {
		t.Fatalf("terminal text: %q", got)
	}
}

func TestClearDelegatesToBridge(t *testing.T) {
	sess := newFakeSession()
	c, ep := newReadyController(sess)

	c.Clear()

	cmds := ep.commands(t)
	if len(cmds) != 1 || cmds[0].Cmd != protocol.CommandClear {
		t.Fatalf("commands: %+v", cmds)
	}
}

func TestEmulatorResizeReachesSessionPTY(t *testing.T) {
	sess := newFakeSession()
	sess.setState(true, false)
	c, _ := newReadyController(sess)

	c.Bridge().Dispatch([]byte(`{"type":"resize","cols":100,"rows":28}`))

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.resizes) != 1 || sess.resizes[0] != [2]uint16{28, 100} {
		t.Fatalf("resizes: %v", sess.resizes)
	}
}

func TestRunRelaysAndStopsOnCancel(t *testing.T) {
	sess := newFakeSession()
	sess.setState(true, false)
	ep := &safeEndpoint{}
	c := New(sess, ep, nil)
	c.Bridge().Start()
	c.Bridge().Dispatch([]byte(`{"type":"ready"}`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	sess.Append("streamed")
	waitFor(t, func() bool { return ep.terminalText(t) == "streamed" })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	// Late appends after teardown must be silent no-ops.
	sess.Append("too late")
	c.Sync()
	if got := ep.terminalText(t); got != "streamed" {
		t.Fatalf("terminal text after teardown: %q", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
