package dialer

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSocketOptions(network string, c syscall.RawConn, opts *Options) (err error) {
	if opts == nil || !isTCPSocket(network) {
		return
	}

	var innerErr error
	err = c.Control(func(fd uintptr) {
		if opts.NoDelay {
			innerErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			if innerErr != nil {
				return
			}
		}

		if opts.KeepAlive > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(opts.KeepAlive.Seconds()))
			if opts.KeepAliveInterval > 0 {
				_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(opts.KeepAliveInterval.Seconds()))
			}
		}
	})

	if innerErr != nil {
		err = innerErr
	}
	return
}
