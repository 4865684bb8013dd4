package modes

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const forwardDialTimeout = 5 * time.Second

// forward connects the session to a TCP port on the device's loopback.
func (s *Set) forward(args []string) (Job, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: forward needs a port", ErrBadArgs)
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %q", ErrBadArgs, args[0])
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), forwardDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("forward dial: %w", err)
	}

	return &job{
		run: func(ctx context.Context, sess *Session) error {
			defer conn.Close()
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()

			go func() {
				if _, err := io.Copy(conn, sess.Conn); err == nil {
					if tc, ok := conn.(*net.TCPConn); ok {
						tc.CloseWrite()
						return
					}
				}
				conn.Close()
			}()

			_, err := io.Copy(sess.Conn, conn)
			return err
		},
		release: conn.Close,
	}, nil
}
