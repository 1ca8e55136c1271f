// Package forward manages local port forwards: a 127.0.0.1 listener on the
// gateway relays every accepted connection to a target address as seen from
// the remote server, through the server's SSH connection.
package forward

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

// PortPool hands out gateway-local listen ports from a fixed range.
// It is concurrency-safe.
//
// Port lifecycle:
//   - AcquireOrReuse binds a port for an owner key ("serverID/name"),
//     preferring the port that owner held before. Assignments survive a
//     closed forward, so reopening a named forward lands on the same port.
//   - Release forgets an owner's assignment (server deleted).
//
// Ports occupied by another OS process are skipped; the pool never hands out
// a port it could not actually bind.
type PortPool struct {
	mu    sync.Mutex
	start int
	end   int
	// byPort maps port → owner key (reverse index for conflict detection).
	byPort map[int]string
	// byOwner maps owner key → assigned port (preserved across reopens).
	byOwner map[string]int
}

// NewPortPool creates a PortPool covering [start, end] (inclusive).
func NewPortPool(start, end int) *PortPool {
	return &PortPool{
		start:   start,
		end:     end,
		byPort:  make(map[int]string),
		byOwner: make(map[string]int),
	}
}

// AcquireOrReuse binds a loopback listener for owner and returns it with its
// port. A previously assigned port is reused when it can still be bound;
// otherwise a fresh port is allocated from the range. Returns an error only
// when the range is exhausted.
func (p *PortPool) AcquireOrReuse(owner string) (net.Listener, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, known := p.byOwner[owner]; known {
		if l, err := listenLoopback(port); err == nil {
			return l, port, nil
		}
		// Stored port is occupied by another process; reassign below.
		delete(p.byPort, port)
		delete(p.byOwner, owner)
	}

	for port := p.start; port <= p.end; port++ {
		if holder, taken := p.byPort[port]; taken && holder != owner {
			continue
		}
		l, err := listenLoopback(port)
		if err != nil {
			continue // occupied at the OS level
		}
		p.byPort[port] = owner
		p.byOwner[owner] = port
		return l, port, nil
	}

	return nil, 0, fmt.Errorf("forward: port range %d-%d exhausted", p.start, p.end)
}

// Release forgets the owner's assignment so its port returns to the free pool.
func (p *PortPool) Release(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, known := p.byOwner[owner]; known {
		delete(p.byPort, port)
		delete(p.byOwner, owner)
	}
}

// ReleaseServer releases every assignment belonging to the server. Owner keys
// are "serverID/name".
func (p *PortPool) ReleaseServer(serverID string) {
	prefix := serverID + "/"
	p.mu.Lock()
	var owners []string
	for owner := range p.byOwner {
		if strings.HasPrefix(owner, prefix) {
			owners = append(owners, owner)
		}
	}
	p.mu.Unlock()
	for _, owner := range owners {
		p.Release(owner)
	}
}

func listenLoopback(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}
