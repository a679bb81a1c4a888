package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/onkernel/gpumode/cmd/gpumoded/config"
	"github.com/onkernel/gpumode/lib/paths"
)

// dialTimeout bounds the dial used to tell a live socket from a stale one.
const dialTimeout = 500 * time.Millisecond

// acquireInstanceLock takes the single-instance lock under the run dir.
func acquireInstanceLock(cfg *config.Config) (*flock.Flock, error) {
	path := paths.New(cfg.RootDir).LockFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another gpumoded holds %s", path)
	}
	return lock, nil
}

// listenSocket listens on a unix socket at path, replacing a stale socket
// file left by a crashed daemon. A socket something still answers on is
// left alone.
func listenSocket(path string, mode os.FileMode) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if _, err := os.Lstat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, dialTimeout); err == nil {
			conn.Close()
			return nil, fmt.Errorf("control socket %s is in use", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}
