package modes

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
)

const (
	defaultCols = 80
	defaultRows = 24

	// ^D, written to the terminal when the console closes its input.
	eot = 0x04

	ptyDrainTimeout = time.Second
)

// terminal runs the shell on a pseudo-terminal. With arguments the shell
// runs them as a command line instead of an interactive session.
func (s *Set) terminal(args []string) (Job, error) {
	shell, err := s.lookShell()
	if err != nil {
		return nil, err
	}
	return &job{run: func(ctx context.Context, sess *Session) error {
		return s.runTerminal(ctx, sess, shell, args)
	}}, nil
}

func (s *Set) runTerminal(ctx context.Context, sess *Session, shell string, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cmd *exec.Cmd
	if len(args) > 0 {
		cmd = exec.CommandContext(ctx, shell, "-c", strings.Join(args, " "))
	} else {
		cmd = exec.CommandContext(ctx, shell)
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		return fmt.Errorf("start terminal: %w", err)
	}
	defer ptmx.Close()

	s.logger.Debug("Terminal started", "session_id", sess.ID, "pid", cmd.Process.Pid)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ws, ok := <-sess.Resize:
				if !ok {
					return
				}
				if err := pty.Setsize(ptmx, &pty.Winsize{Cols: ws.Cols, Rows: ws.Rows}); err != nil {
					s.logger.Debug("Terminal resize failed", "session_id", sess.ID, "error", err)
				}
			}
		}
	}()

	go func() {
		if _, err := io.Copy(ptmx, sess.Conn); err == nil {
			ptmx.Write([]byte{eot})
		}
	}()

	outDone := make(chan struct{})
	go func() {
		io.Copy(sess.Conn, ptmx)
		close(outDone)
	}()

	err = cmd.Wait()

	// Output still buffered in the terminal is read until the slave side
	// is gone.
	select {
	case <-outDone:
	case <-time.After(ptyDrainTimeout):
	}

	s.logger.Debug("Terminal exited", "session_id", sess.ID, "error", err)
	return err
}
