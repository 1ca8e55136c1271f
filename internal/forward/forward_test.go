package forward

import (
	"fmt"
	"net"
	"testing"
	"time"
)

// netDialer dials directly over the local network, standing in for an SSH
// client in tests.
type netDialer struct{}

func (netDialer) Dial(network, addr string) (net.Conn, error) {
	return net.Dial(network, addr)
}

// failDialer always refuses.
type failDialer struct{}

func (failDialer) Dial(string, string) (net.Conn, error) {
	return nil, fmt.Errorf("no route")
}

func TestPortPoolReusesOwnerPort(t *testing.T) {
	pool := NewPortPool(45300, 45320)

	l1, port1, err := pool.AcquireOrReuse("srv1/web")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l1.Close()

	l2, port2, err := pool.AcquireOrReuse("srv1/web")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer l2.Close()

	if port1 != port2 {
		t.Fatalf("owner port changed: %d → %d", port1, port2)
	}
}

func TestPortPoolDistinctOwnersGetDistinctPorts(t *testing.T) {
	pool := NewPortPool(45321, 45340)

	l1, port1, err := pool.AcquireOrReuse("srv1/web")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l1.Close()

	l2, port2, err := pool.AcquireOrReuse("srv2/web")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l2.Close()

	if port1 == port2 {
		t.Fatalf("both owners got port %d", port1)
	}
}

func TestPortPoolSkipsOccupiedPorts(t *testing.T) {
	pool := NewPortPool(45341, 45345)

	// Occupy the first pool port with a foreign listener.
	squatter, err := net.Listen("tcp", "127.0.0.1:45341")
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer squatter.Close()

	l, port, err := pool.AcquireOrReuse("srv1/web")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Close()

	if port == 45341 {
		t.Fatal("pool handed out an occupied port")
	}
}

func TestPortPoolExhaustion(t *testing.T) {
	pool := NewPortPool(45346, 45347)

	l1, _, err := pool.AcquireOrReuse("a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer l1.Close()
	l2, _, err := pool.AcquireOrReuse("b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	defer l2.Close()

	if _, _, err := pool.AcquireOrReuse("c"); err == nil {
		t.Fatal("expected exhaustion error")
	}
}

func TestPortPoolRelease(t *testing.T) {
	pool := NewPortPool(45348, 45348)

	l, _, err := pool.AcquireOrReuse("a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Close()
	pool.Release("a")

	l2, _, err := pool.AcquireOrReuse("b")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.Close()
}

func TestPortPoolReleaseServerFreesAllNames(t *testing.T) {
	pool := NewPortPool(45401, 45402)

	l1, _, err := pool.AcquireOrReuse("srv1/web")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l1.Close()
	l2, _, err := pool.AcquireOrReuse("srv1/db")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l2.Close()

	pool.ReleaseServer("srv1")

	// Both ports must be reassignable to other servers.
	for _, owner := range []string{"srv2/a", "srv3/b"} {
		l, _, err := pool.AcquireOrReuse(owner)
		if err != nil {
			t.Fatalf("acquire %s after release: %v", owner, err)
		}
		l.Close()
	}
}

func TestManagerCloseServerReleasesAssignments(t *testing.T) {
	m := NewManager(NewPortPool(45403, 45403), nil)

	snap, err := m.Open("srv1", Spec{Name: "web", TargetHost: "localhost", TargetPort: 80}, failDialer{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	m.CloseServer("srv1")

	if got := len(m.List("srv1")); got != 0 {
		t.Fatalf("forwards still listed: %d", got)
	}
	if err := m.Close(snap.ID); err == nil {
		t.Fatal("forward should already be closed")
	}

	// The single pool port must be free for a different server now.
	snap2, err := m.Open("srv2", Spec{Name: "web", TargetHost: "localhost", TargetPort: 80}, failDialer{})
	if err != nil {
		t.Fatalf("open after close: %v", err)
	}
	_ = m.Close(snap2.ID)
}

func TestManagerRelaysTraffic(t *testing.T) {
	// Upstream echo server standing in for the remote service.
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream listen: %v", err)
	}
	defer upstream.Close()
	go func() {
		for {
			conn, err := upstream.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 64)
				n, _ := c.Read(buf)
				_, _ = c.Write(buf[:n])
			}(conn)
		}
	}()
	upstreamPort := upstream.Addr().(*net.TCPAddr).Port

	m := NewManager(NewPortPool(45360, 45380), nil)
	defer m.CloseAll()

	snap, err := m.Open("srv1", Spec{
		Name:       "echo",
		TargetHost: "127.0.0.1",
		TargetPort: upstreamPort,
	}, netDialer{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", snap.LocalPort))
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("echo: got %q", buf[:n])
	}
}

func TestManagerCloseStopsListener(t *testing.T) {
	m := NewManager(NewPortPool(45381, 45390), nil)

	snap, err := m.Open("srv1", Spec{Name: "svc", TargetHost: "127.0.0.1", TargetPort: 1}, failDialer{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Close(snap.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", snap.LocalPort), 500*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Fatal("listener still accepting after close")
	}

	if err := m.Close(snap.ID); err == nil {
		t.Fatal("double close should report unknown id")
	}
}

func TestManagerRejectsInvalidTarget(t *testing.T) {
	m := NewManager(NewPortPool(45391, 45392), nil)
	if _, err := m.Open("srv1", Spec{Name: "bad", TargetHost: "", TargetPort: 80}, netDialer{}); err == nil {
		t.Fatal("expected error for empty target host")
	}
	if _, err := m.Open("srv1", Spec{Name: "bad", TargetHost: "localhost", TargetPort: 0}, netDialer{}); err == nil {
		t.Fatal("expected error for zero target port")
	}
}

func TestManagerListFiltersByServer(t *testing.T) {
	m := NewManager(NewPortPool(45393, 45399), nil)
	defer m.CloseAll()

	if _, err := m.Open("srv1", Spec{Name: "a", TargetHost: "localhost", TargetPort: 80}, failDialer{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.Open("srv2", Spec{Name: "b", TargetHost: "localhost", TargetPort: 81}, failDialer{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	if got := len(m.List("")); got != 2 {
		t.Fatalf("all forwards: %d", got)
	}
	if got := len(m.List("srv1")); got != 1 {
		t.Fatalf("srv1 forwards: %d", got)
	}
	if got := len(m.List("srv3")); got != 0 {
		t.Fatalf("srv3 forwards: %d", got)
	}
}
