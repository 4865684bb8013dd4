package modes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// shell runs a command line (or an interactive shell) on plain pipes;
// stdout and stderr are merged onto the session.
func (s *Set) shell(args []string) (Job, error) {
	shell, err := s.lookShell()
	if err != nil {
		return nil, err
	}
	return &job{run: func(ctx context.Context, sess *Session) error {
		var cmd *exec.Cmd
		if len(args) > 0 {
			cmd = exec.CommandContext(ctx, shell, "-c", strings.Join(args, " "))
		} else {
			cmd = exec.CommandContext(ctx, shell)
		}
		cmd.Stdout = sess.Conn
		cmd.Stderr = sess.Conn
		cmd.WaitDelay = time.Second

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start shell: %w", err)
		}

		go func() {
			io.Copy(stdin, sess.Conn)
			stdin.Close()
		}()

		err = cmd.Wait()
		s.logger.Debug("Shell exited", "session_id", sess.ID, "error", err)
		return err
	}}, nil
}

type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

const maxExecOutput = 1 << 20

// shellExec runs args as one command line and returns its exit code and
// combined output. A non-zero exit is a result, not an error.
func (s *Set) shellExec(ctx context.Context, args []string) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: shell.exec needs a command", ErrBadArgs)
	}
	shell, err := s.lookShell()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()

	var out limitedBuffer
	out.limit = maxExecOutput
	cmd := exec.CommandContext(ctx, shell, "-c", strings.Join(args, " "))
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return ExecResult{ExitCode: 0, Output: out.String()}, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("shell.exec: %w", ctx.Err())
	case errors.As(err, &exitErr):
		return ExecResult{ExitCode: exitErr.ExitCode(), Output: out.String()}, nil
	default:
		return nil, fmt.Errorf("shell.exec: %w", err)
	}
}

// limitedBuffer keeps the first limit bytes and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

func (s *Set) ping(_ context.Context, _ []string) (any, error) {
	return map[string]any{"pong": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}
