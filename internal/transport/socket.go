// Package transport binds the ROUTER (request/response) and PUB (event
// broadcast) surfaces to Unix domain sockets using a websocket framing.
package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// listenUnix creates (or replaces) a Unix domain socket at path with
// restrictive permissions: the containing directory is 0700 and the socket
// file itself is 0600.
func listenUnix(path string) (net.Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("transport: mkdir %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("transport: chmod %s: %w", dir, err)
	}

	// A stale socket file from a previous run must be removed before bind;
	// net.Listen errors on an existing path otherwise.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("transport: remove stale socket %s: %w", path, err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("transport: chmod %s: %w", path, err)
	}
	return l, nil
}
