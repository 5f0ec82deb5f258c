package dialer

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func setSocketOptions(network string, c syscall.RawConn, opts *Options) (err error) {
	if opts == nil || !isTCPSocket(network) {
		return
	}

	var innerErr error
	err = c.Control(func(fd uintptr) {
		if opts.NoDelay {
			innerErr = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_TCP, windows.TCP_NODELAY, 1)
			if innerErr != nil {
				return
			}
		}

		if opts.KeepAlive > 0 {
			_ = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_KEEPALIVE, 1)
		}
	})

	if innerErr != nil {
		err = innerErr
	}
	return
}
