package modes

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// file transfers one file: ["get", path] streams it to the console,
// ["put", path] writes console input to it and replaces the target once
// the input ends cleanly.
func (s *Set) file(args []string) (Job, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: file needs [get|put, path]", ErrBadArgs)
	}
	path, err := s.resolvePath(args[1])
	if err != nil {
		return nil, err
	}

	switch args[0] {
	case "get":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		if info, err := f.Stat(); err == nil && info.IsDir() {
			f.Close()
			return nil, fmt.Errorf("%w: %s is a directory", ErrBadArgs, path)
		}
		return &job{
			run: func(_ context.Context, sess *Session) error {
				defer f.Close()
				go drain(sess.Conn)
				_, err := io.Copy(sess.Conn, f)
				return err
			},
			release: f.Close,
		}, nil

	case "put":
		tmp, err := os.CreateTemp(filepath.Dir(path), ".overlord-upload-*")
		if err != nil {
			return nil, err
		}
		discard := func() error {
			tmp.Close()
			return os.Remove(tmp.Name())
		}
		return &job{
			run: func(_ context.Context, sess *Session) error {
				n, err := io.Copy(tmp, sess.Conn)
				if err != nil {
					discard()
					return fmt.Errorf("upload %s: %w", path, err)
				}
				if err := tmp.Close(); err != nil {
					os.Remove(tmp.Name())
					return err
				}
				if err := os.Rename(tmp.Name(), path); err != nil {
					os.Remove(tmp.Name())
					return err
				}
				s.logger.Info("File received", "session_id", sess.ID, "path", path, "bytes", n)
				return nil
			},
			release: discard,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown file operation %q", ErrBadArgs, args[0])
	}
}
