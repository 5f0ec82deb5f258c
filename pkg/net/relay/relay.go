package relay

import (
	"errors"
	"io"
	"net"

	"github.com/molerat-dev/molerat/pkg/log"
	"github.com/molerat-dev/molerat/pkg/utils/pool"
)

var ignoreError = []error{
	io.EOF,
	net.ErrClosed,
	io.ErrClosedPipe,
}

func isIgnoreError(err error) bool {
	if err == nil {
		return true
	}

	for _, e := range ignoreError {
		if errors.Is(err, e) {
			return true
		}
	}

	netOpErr := &net.OpError{}
	return errors.As(err, &netOpErr)
}

func logE(msg string, err error, cargs ...any) {
	if err == nil {
		return
	}
	if isIgnoreError(err) {
		log.Debug(msg, append(cargs, "err", err)...)
	} else {
		log.Error(msg, append(cargs, "err", err)...)
	}
}

// Relay pipes rw1 and rw2 into each other until one side closes. Either
// direction ending tears the other down via half-close.
func Relay(rw1, rw2 io.ReadWriteCloser, logMsgs ...any) {
	wait := make(chan struct{})
	go func() {
		defer close(wait)
		_, err := Copy(rw2, rw1)
		logE("relay rw1 -> rw2", err, logMsgs...)
		closeWrite(rw2) // make another Copy exit
		closeRead(rw1)
	}()

	_, err := Copy(rw1, rw2)
	logE("relay rw2 -> rw1", err, logMsgs...)
	closeWrite(rw1)
	closeRead(rw2)

	<-wait
}

func closeRead(rw io.ReadWriteCloser) {
	if cr, ok := rw.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
	}
}

func closeWrite(rw io.ReadWriteCloser) {
	if r, ok := rw.(interface{ CloseWrite() error }); ok {
		if r.CloseWrite() == nil {
			return
		}
	}

	_ = rw.Close()
}

func Copy(dst io.Writer, src io.Reader) (n int64, err error) {
	buf := pool.GetBytes(8192)
	defer pool.PutBytes(buf)
	// to avoid using (*net.TCPConn).ReadFrom that will make new none-zero buf
	return io.CopyBuffer(writeOnlyWriter{dst}, readOnlyReader{src}, buf)
}

type readOnlyReader struct{ io.Reader }
type writeOnlyWriter struct{ io.Writer }
