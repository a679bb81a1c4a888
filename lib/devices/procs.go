package devices

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/onkernel/gpumode/lib/logger"
	"golang.org/x/sys/unix"
)

const killGracePeriod = 500 * time.Millisecond

// ProcessKiller terminates processes holding GPU device nodes open.
type ProcessKiller struct {
	procRoot string
	signal   func(pid int, sig syscall.Signal) error
	grace    time.Duration
}

// NewProcessKiller scans procRoot (normally /proc) for open file descriptors.
func NewProcessKiller(procRoot string) *ProcessKiller {
	return &ProcessKiller{
		procRoot: procRoot,
		signal:   unix.Kill,
		grace:    killGracePeriod,
	}
}

// NewProcessKillerWithSignal is NewProcessKiller with a custom signal function, used by tests.
func NewProcessKillerWithSignal(procRoot string, signal func(pid int, sig syscall.Signal) error) *ProcessKiller {
	return &ProcessKiller{procRoot: procRoot, signal: signal}
}

// Users returns the pids with an open file descriptor on one of nodes.
// A node ending in a digit ("/dev/dri/card1") matches exactly; otherwise it
// is a prefix ("/dev/nvidia" matches nvidia0, nvidiactl, nvidia-uvm).
func (k *ProcessKiller) Users(nodes []string) ([]int, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(k.procRoot)
	if err != nil {
		return nil, NewIOError("read", k.procRoot, err)
	}
	self := os.Getpid()

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		fdDir := filepath.Join(k.procRoot, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			// Process exited or is not ours to inspect
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if matchesNode(target, nodes) {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids, nil
}

func matchesNode(target string, nodes []string) bool {
	for _, node := range nodes {
		if node == "" {
			continue
		}
		last := node[len(node)-1]
		if last >= '0' && last <= '9' {
			if target == node {
				return true
			}
			continue
		}
		if strings.HasPrefix(target, node) {
			return true
		}
	}
	return false
}

// KillUsers sends SIGTERM to every user of nodes, then SIGKILL to any that
// survive the grace period. It returns the pids that were signalled.
func (k *ProcessKiller) KillUsers(ctx context.Context, nodes []string) ([]int, error) {
	log := logger.FromContext(ctx)
	pids, err := k.Users(nodes)
	if err != nil {
		return nil, err
	}
	if len(pids) == 0 {
		return nil, nil
	}

	for _, pid := range pids {
		log.InfoContext(ctx, "terminating process using GPU", "pid", pid)
		if err := k.signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return pids, fmt.Errorf("signal pid %d: %w", pid, err)
		}
	}

	if k.grace > 0 {
		time.Sleep(k.grace)
	}

	survivors, err := k.Users(nodes)
	if err != nil {
		return pids, err
	}
	for _, pid := range survivors {
		log.WarnContext(ctx, "killing process still using GPU", "pid", pid)
		if err := k.signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return pids, fmt.Errorf("kill pid %d: %w", pid, err)
		}
	}
	return pids, nil
}
