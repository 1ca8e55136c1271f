package terminal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/termgate/termgate/internal/controller"
)

// Remote adapts a Session to the controller.RemoteSession contract: it owns
// the connection lifecycle (connecting → connected → disconnected), pumps
// session output into an append-only log, and optionally tees output into a
// transcript writer.
//
// A Remote serves at most one connection; after it disconnects, build a new
// one.
type Remote struct {
	*controller.OutputLog

	log        *slog.Logger
	transcript io.Writer
	bytesOut   atomic.Int64

	mu          sync.Mutex
	sess        Session
	connecting  bool
	connected   bool
	started     bool
	disconnects int
}

func NewRemote(log *slog.Logger) *Remote {
	if log == nil {
		log = slog.Default()
	}
	return &Remote{OutputLog: controller.NewOutputLog(), log: log}
}

// SetTranscript tees all session output into w. Must be called before
// Connect; writes happen from the read loop goroutine.
func (r *Remote) SetTranscript(w io.Writer) {
	r.transcript = w
}

// Connect dials through the connector and starts the output pump. It blocks
// until the connection is established or fails; state changes pulse the
// output log so a running controller observes them.
func (r *Remote) Connect(ctx context.Context, connector Connector, cfg ConnectorConfig) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("terminal: remote already used")
	}
	r.started = true
	r.connecting = true
	r.mu.Unlock()
	r.Pulse()

	sess, err := connector.Connect(ctx, cfg)

	r.mu.Lock()
	r.connecting = false
	if err != nil {
		r.disconnects++
		r.mu.Unlock()
		r.Pulse()
		return err
	}
	r.sess = sess
	r.connected = true
	r.mu.Unlock()
	r.Pulse()

	go r.pump(sess)
	return nil
}

// pump copies session output into the log until the stream ends, then marks
// the remote disconnected.
func (r *Remote) pump(sess Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if r.transcript != nil {
				if _, werr := r.transcript.Write(chunk); werr != nil {
					r.log.Warn("terminal: transcript write failed", "err", werr)
					r.transcript = nil
				}
			}
			r.bytesOut.Add(int64(n))
			r.Append(string(chunk))
		}
		if err != nil {
			break
		}
	}

	r.mu.Lock()
	r.connected = false
	r.disconnects++
	r.mu.Unlock()
	r.Pulse()
}

// BytesOut reports the total number of output bytes pumped from the session.
func (r *Remote) BytesOut() int64 {
	return r.bytesOut.Load()
}

func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *Remote) Connecting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connecting
}

// Disconnects counts live→disconnected transitions: a failed connect attempt
// or the output pump observing end of stream.
func (r *Remote) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

// Write forwards keystrokes to the remote stdin.
func (r *Remote) Write(p []byte) (int, error) {
	r.mu.Lock()
	sess := r.sess
	connected := r.connected
	r.mu.Unlock()
	if !connected || sess == nil {
		return 0, fmt.Errorf("terminal: remote not connected")
	}
	return sess.Write(p)
}

// Resize follows the emulator grid on the remote PTY.
func (r *Remote) Resize(rows, cols uint16) error {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("terminal: remote not connected")
	}
	return sess.Resize(rows, cols)
}

// Close tears the underlying session down. The read loop then observes EOF
// and flips the state to disconnected.
func (r *Remote) Close() error {
	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

var _ controller.RemoteSession = (*Remote)(nil)
