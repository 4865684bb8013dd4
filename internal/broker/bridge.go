package broker

import (
	"errors"
	"io"
	"net"
	"syscall"
)

type halfCloser interface {
	CloseWrite() error
}

type copyResult struct {
	n         int64
	err       error
	halfClose bool
}

// bridge copies bytes both ways between console and agent. It returns once
// the session is over, with both sides closed. A clean EOF on the console
// side half-closes the agent when possible and output keeps flowing; any
// other end in either direction closes both sides at once.
func bridge(console, agent io.ReadWriteCloser) error {
	done := make(chan copyResult, 2)

	go func() {
		n, err := io.Copy(agent, console)
		if err == nil {
			if hc, ok := agent.(halfCloser); ok && hc.CloseWrite() == nil {
				done <- copyResult{n: n, halfClose: true}
				return
			}
		}
		done <- copyResult{n: n, err: err}
	}()

	go func() {
		n, err := io.Copy(console, agent)
		done <- copyResult{n: n, err: err}
	}()

	first := <-done
	if first.halfClose {
		first = <-done
		console.Close()
		agent.Close()
	} else {
		console.Close()
		agent.Close()
		<-done
	}

	if first.err != nil && !isExpectedCloseError(first.err) {
		return first.err
	}
	return nil
}

// isExpectedCloseError reports whether err is a normal end of one side of a
// relay rather than a failure worth surfacing.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
