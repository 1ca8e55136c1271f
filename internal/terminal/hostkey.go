package terminal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// cachedHostKeyCallback is resolved once at first use and reused for the
// process lifetime, avoiding repeated disk I/O on every connection.
var (
	cachedHostKeyCB   cryptossh.HostKeyCallback
	cachedHostKeyCBOK bool
)

// hostKeyCallback returns the host key policy for all SSH connections.
//
// Resolution order:
//  1. If TERMGATE_SSH_KNOWN_HOSTS or standard known_hosts files exist → use them.
//  2. Otherwise default to InsecureIgnoreHostKey (single-operator gateway;
//     every connection is audited).
//  3. If TERMGATE_REQUIRE_SSH_HOST_KEY=1 is set, refuse to connect without
//     known_hosts.
func hostKeyCallback() (cryptossh.HostKeyCallback, error) {
	if cachedHostKeyCBOK {
		return cachedHostKeyCB, nil
	}

	cb, err := resolveHostKeyCallback()
	if err != nil {
		return nil, err
	}
	cachedHostKeyCB = cb
	cachedHostKeyCBOK = true
	return cb, nil
}

func resolveHostKeyCallback() (cryptossh.HostKeyCallback, error) {
	knownHostsPath := strings.TrimSpace(os.Getenv("TERMGATE_SSH_KNOWN_HOSTS"))
	candidates := make([]string, 0, 3)
	if knownHostsPath != "" {
		candidates = append(candidates, knownHostsPath)
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".ssh", "known_hosts"))
	}
	candidates = append(candidates, "/etc/ssh/ssh_known_hosts")

	existing := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			existing = append(existing, candidate)
		}
	}

	if len(existing) > 0 {
		callback, err := knownhosts.New(existing...)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return callback, nil
	}

	// No known_hosts found. Check if strict mode is required.
	requireStrict := strings.ToLower(strings.TrimSpace(os.Getenv("TERMGATE_REQUIRE_SSH_HOST_KEY")))
	if requireStrict == "1" || requireStrict == "true" || requireStrict == "yes" {
		return nil, fmt.Errorf("ssh host key verification required: no known_hosts file found (set by TERMGATE_REQUIRE_SSH_HOST_KEY)")
	}

	// Default: skip host-key verification (single-operator gateway).
	return cryptossh.InsecureIgnoreHostKey(), nil
}
