// Package terminal provides the remote shell sessions behind the bridge.
//
// Supported connectors:
//   - SSHConnector   — PTY session on a registered server over SSH
//   - LocalConnector — PTY shell on the gateway box itself
//
// A Session is the raw byte-stream half; Remote adapts it to the
// controller.RemoteSession contract (connection state + append-only output
// log) consumed by the bridge controller.
package terminal

import "context"

// Session is the common interface for streaming shell connectors. Callers
// Write stdin bytes and Read stdout/stderr bytes; resize and teardown are
// driven out-of-band by the controller and the route handler.
type Session interface {
	// Write sends bytes to the remote stdin (keyboard input).
	Write(p []byte) (n int, err error)
	// Read receives bytes from the remote stdout/stderr (terminal output).
	Read(p []byte) (n int, err error)
	// Resize changes the remote PTY dimensions.
	Resize(rows, cols uint16) error
	// Close terminates the session and frees all resources.
	Close() error
}

// Connector creates a Session for a given server configuration.
// Implementations must be safe for concurrent use.
type Connector interface {
	Connect(ctx context.Context, cfg ConnectorConfig) (Session, error)
}

// ConnectorConfig carries the parameters required to open a connection.
type ConnectorConfig struct {
	// Host is the target hostname or IP address.
	Host string
	// Port is the target TCP port (e.g. 22 for SSH).
	Port int
	// User is the login username.
	User string
	// AuthType is "password" or "private_key".
	AuthType string
	// Secret is the decrypted credential value (password or PEM private key).
	Secret string
	// Shell overrides the login shell (empty = server default).
	Shell string
}
