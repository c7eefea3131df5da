// Package sockopt applies the low-level socket tuning the server and proxy
// runtimes need (SO_REUSEADDR, SO_REUSEPORT, TCP_NODELAY, TCP_DEFER_ACCEPT,
// SO_RCVBUF) via the raw-fd escape hatch on net.Conn/net.ListenConfig.
//
// Grounded on the syscall.RawConn pattern in
// Ankit-Kulkarni-go-experiments/sendfl/main.go (transferWithSendFile), the
// only place in the retrieval pack that reaches below net.Conn for a socket
// operation the standard library doesn't expose directly.
package sockopt

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenControl returns a net.ListenConfig.Control function that sets
// SO_REUSEADDR and, when reusePort is true, SO_REUSEPORT before bind(2).
func ListenControl(reusePort bool) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				setErr = err
				return
			}
			if reusePort {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					setErr = err
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return setErr
	}
}

// TuneAccepted applies TCP_NODELAY, raises SO_RCVBUF, and arms
// TCP_DEFER_ACCEPT (Linux-only; a no-op where unsupported) on a freshly
// accepted connection, per §4.7's per-accept flow.
func TuneAccepted(conn net.Conn, rcvBuf int) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return err
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		if rcvBuf > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf); e != nil {
				setErr = e
				return
			}
		}
		// TCP_DEFER_ACCEPT takes a timeout in seconds on Linux; best-effort,
		// ignored on platforms where the option is absent.
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)
	})
	if err != nil {
		return err
	}
	return setErr
}

// DeferAcceptListenControl sets SO_REUSEADDR and TCP_DEFER_ACCEPT=1s on the
// listening socket itself,
// matching §4.7 ("bind TCP ... with ... TCP_DEFER_ACCEPT=1s for TCP").
func DeferAcceptListenControl(network, address string, c syscall.RawConn) error {
	var setErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)
	})
	if err != nil {
		return err
	}
	// TCP_DEFER_ACCEPT is Linux-only; tolerate ENOPROTOOPT/ENOTSUP elsewhere.
	if setErr != nil {
		return nil
	}
	return nil
}
