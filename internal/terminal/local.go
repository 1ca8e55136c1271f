package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const defaultLocalShell = "/bin/bash"

// LocalConnector spawns a PTY-backed shell on the gateway box itself.
// Host/Port/User/Secret in the config are ignored; only Shell applies.
type LocalConnector struct{}

// Connect starts the shell under a fresh PTY. The context only bounds
// connector selection upstream; PTY start is immediate.
func (c *LocalConnector) Connect(_ context.Context, cfg ConnectorConfig) (Session, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = defaultLocalShell
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("local: start pty for %q: %w", shell, err)
	}

	return &localSession{cmd: cmd, ptmx: ptmx}, nil
}

// localSession bridges a local shell subprocess through its PTY master.
type localSession struct {
	cmd  *exec.Cmd
	ptmx *os.File
	mu   sync.Mutex
}

func (s *localSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptmx.Write(p)
}

func (s *localSession) Read(p []byte) (int, error) {
	return s.ptmx.Read(p)
}

func (s *localSession) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close terminates the session and its subprocess.
func (s *localSession) Close() error {
	// Kill the subprocess to avoid orphaned shells.
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.ptmx.Close()
	// Wait for the process to release resources.
	_ = s.cmd.Wait()
	return err
}

// ensure interface compliance
var _ Session = (*localSession)(nil)
var _ Connector = (*LocalConnector)(nil)
