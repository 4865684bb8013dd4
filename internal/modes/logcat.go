package modes

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Bytes of existing log sent before following.
const logcatBacklog = 64 << 10

// logcat follows a log file, by default the configured one.
func (s *Set) logcat(args []string) (Job, error) {
	path := s.cfg.LogFile
	if len(args) > 0 && args[0] != "" {
		path = args[0]
	}
	path, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("watch log: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return nil, fmt.Errorf("watch log: %w", err)
	}

	release := func() error {
		watcher.Close()
		return f.Close()
	}
	return &job{
		run: func(ctx context.Context, sess *Session) error {
			defer release()
			return s.follow(ctx, sess, f, watcher)
		},
		release: release,
	}, nil
}

func (s *Set) follow(ctx context.Context, sess *Session, f *os.File, watcher *fsnotify.Watcher) error {
	go drain(sess.Conn)

	if info, err := f.Stat(); err == nil && info.Size() > logcatBacklog {
		if _, err := f.Seek(info.Size()-logcatBacklog, io.SeekStart); err != nil {
			return err
		}
	}
	if _, err := io.Copy(sess.Conn, f); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				s.logger.Debug("Followed log went away", "session_id", sess.ID, "path", ev.Name)
				return nil
			case ev.Has(fsnotify.Write):
				if err := rewindIfTruncated(f); err != nil {
					return err
				}
				if _, err := io.Copy(sess.Conn, f); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch log: %w", err)
		}
	}
}

func rewindIfTruncated(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if info.Size() < pos {
		_, err = f.Seek(0, io.SeekStart)
	}
	return err
}
