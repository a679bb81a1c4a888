package middleware

import (
	"context"
	"net"

	"golang.org/x/sys/unix"
)

type peerKey struct{}

// Peer is the process on the other end of a unix socket connection.
type Peer struct {
	UID uint32
	GID uint32
	PID int32
}

// ConnContext is an http.Server ConnContext hook that records SO_PEERCRED of
// unix socket connections. Other connections leave ctx unchanged.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return ctx
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ctx
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return ctx
	}
	return WithPeer(ctx, Peer{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid})
}

// WithPeer stores p in ctx.
func WithPeer(ctx context.Context, p Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// PeerFromContext returns the peer recorded by ConnContext.
func PeerFromContext(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(Peer)
	return p, ok
}
