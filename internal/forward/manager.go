package forward

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dialer opens a stream to an address as seen from the remote server.
// terminal.SSHDialer implements it.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// Spec describes one requested forward.
type Spec struct {
	// Name labels the forward, e.g. "web" or "postgres". Used as the pool
	// owner key together with the server ID, so a reopened forward keeps its
	// local port.
	Name string `json:"name"`
	// TargetHost and TargetPort identify the destination from the remote
	// server's point of view (often 127.0.0.1 + a service port).
	TargetHost string `json:"target_host"`
	TargetPort int    `json:"target_port"`
	// LocalPort pins the gateway-local port; 0 allocates from the pool.
	LocalPort int `json:"local_port"`
}

// Snapshot is the read-only view of an active forward returned to the API.
type Snapshot struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	Name       string    `json:"name"`
	LocalPort  int       `json:"local_port"`
	TargetHost string    `json:"target_host"`
	TargetPort int       `json:"target_port"`
	OpenedAt   time.Time `json:"opened_at"`
	Conns      int       `json:"conns"`
}

type activeForward struct {
	id       string
	serverID string
	spec     Spec
	port     int
	openedAt time.Time
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Manager owns all active forwards. One Manager exists per process.
type Manager struct {
	pool *PortPool
	log  *slog.Logger

	mu       sync.Mutex
	forwards map[string]*activeForward
}

func NewManager(pool *PortPool, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		pool:     pool,
		log:      log,
		forwards: make(map[string]*activeForward),
	}
}

// Open binds the local listener and starts relaying connections through the
// dialer. The returned snapshot identifies the forward for Close.
func (m *Manager) Open(serverID string, spec Spec, dialer Dialer) (Snapshot, error) {
	if spec.TargetHost == "" || spec.TargetPort <= 0 || spec.TargetPort > 65535 {
		return Snapshot{}, fmt.Errorf("forward: invalid target %s:%d", spec.TargetHost, spec.TargetPort)
	}

	var (
		listener net.Listener
		port     int
		err      error
	)
	if spec.LocalPort > 0 {
		port = spec.LocalPort
		listener, err = listenLoopback(port)
		if err != nil {
			return Snapshot{}, fmt.Errorf("forward: bind 127.0.0.1:%d: %w", port, err)
		}
	} else {
		listener, port, err = m.pool.AcquireOrReuse(serverID + "/" + spec.Name)
		if err != nil {
			return Snapshot{}, err
		}
	}

	fw := &activeForward{
		id:       uuid.NewString(),
		serverID: serverID,
		spec:     spec,
		port:     port,
		openedAt: time.Now().UTC(),
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}

	m.mu.Lock()
	m.forwards[fw.id] = fw
	m.mu.Unlock()

	go m.accept(fw, dialer)

	m.log.Info("forward opened",
		"server", serverID, "name", spec.Name,
		"local_port", port, "target", fmt.Sprintf("%s:%d", spec.TargetHost, spec.TargetPort))
	return fw.snapshot(), nil
}

func (m *Manager) accept(fw *activeForward, dialer Dialer) {
	for {
		conn, err := fw.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go m.relay(fw, conn, dialer)
	}
}

// relay couples one accepted connection with one dialed upstream stream.
// A dial failure just drops the local connection; the forward stays open.
func (m *Manager) relay(fw *activeForward, conn net.Conn, dialer Dialer) {
	target := net.JoinHostPort(fw.spec.TargetHost, fmt.Sprintf("%d", fw.spec.TargetPort))
	upstream, err := dialer.Dial("tcp", target)
	if err != nil {
		m.log.Warn("forward: upstream dial failed", "target", target, "err", err)
		_ = conn.Close()
		return
	}

	fw.track(conn, upstream)
	defer fw.untrack(conn, upstream)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, conn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
	_ = conn.Close()
	_ = upstream.Close()
	<-done
}

func (fw *activeForward) track(conns ...net.Conn) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for _, c := range conns {
		fw.conns[c] = struct{}{}
	}
}

func (fw *activeForward) untrack(conns ...net.Conn) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for _, c := range conns {
		delete(fw.conns, c)
	}
}

func (fw *activeForward) snapshot() Snapshot {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return Snapshot{
		ID:         fw.id,
		ServerID:   fw.serverID,
		Name:       fw.spec.Name,
		LocalPort:  fw.port,
		TargetHost: fw.spec.TargetHost,
		TargetPort: fw.spec.TargetPort,
		OpenedAt:   fw.openedAt,
		Conns:      len(fw.conns),
	}
}

// Close tears one forward down: the listener stops accepting and every open
// relay connection is cut. The pool keeps the port reserved for the owner.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	fw, ok := m.forwards[id]
	delete(m.forwards, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("forward: unknown id %q", id)
	}

	_ = fw.listener.Close()
	fw.mu.Lock()
	for conn := range fw.conns {
		_ = conn.Close()
	}
	fw.mu.Unlock()

	m.log.Info("forward closed", "server", fw.serverID, "name", fw.spec.Name, "local_port", fw.port)
	return nil
}

// List returns snapshots for the given server, or all forwards when serverID
// is empty.
func (m *Manager) List(serverID string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.forwards))
	for _, fw := range m.forwards {
		if serverID != "" && fw.serverID != serverID {
			continue
		}
		out = append(out, fw.snapshot())
	}
	return out
}

// CloseServer closes every forward for the server and releases its pool
// assignments. Unlike Close, the ports do not stay reserved; the server no
// longer exists.
func (m *Manager) CloseServer(serverID string) {
	for _, snap := range m.List(serverID) {
		_ = m.Close(snap.ID)
	}
	m.pool.ReleaseServer(serverID)
}

// CloseAll shuts every forward down (process shutdown).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.forwards))
	for id := range m.forwards {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}
