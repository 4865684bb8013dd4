package modes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
)

var (
	ErrUnsupportedMode = errors.New("unsupported mode")
	ErrUnknownRPC      = errors.New("unknown rpc")
	ErrBadArgs         = errors.New("bad arguments")
)

type Config struct {
	Shell       string        `mapstructure:"shell"`
	LogFile     string        `mapstructure:"log_file"`
	FileRoot    string        `mapstructure:"file_root"`
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Shell:       "/bin/sh",
		LogFile:     "/var/log/syslog",
		ExecTimeout: 30 * time.Second,
	}
}

type WindowSize struct {
	Cols, Rows uint16
}

// Session is the device end of a paired session. Reading Conn returns
// io.EOF once the console has closed its input; output may still be
// written after that.
type Session struct {
	ID     string
	Conn   io.ReadWriter
	Resize <-chan WindowSize
}

// Job is a prepared session runner. Close releases whatever Start acquired
// when Run is never called.
type Job interface {
	Run(ctx context.Context, s *Session) error
	Close() error
}

type job struct {
	run     func(ctx context.Context, s *Session) error
	release func() error
}

func (j *job) Run(ctx context.Context, s *Session) error { return j.run(ctx, s) }

func (j *job) Close() error {
	if j.release == nil {
		return nil
	}
	return j.release()
}

type starter func(args []string) (Job, error)

type rpcHandler func(ctx context.Context, args []string) (any, error)

// Set holds the runners for every session mode and the RPC handlers of a
// device.
type Set struct {
	cfg      Config
	logger   *slog.Logger
	starters map[agents.Mode]starter
	rpcs     map[string]rpcHandler
}

func New(cfg Config, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Shell == "" {
		cfg.Shell = def.Shell
	}
	if cfg.LogFile == "" {
		cfg.LogFile = def.LogFile
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}

	s := &Set{cfg: cfg, logger: logger.With("component", "modes")}
	s.starters = map[agents.Mode]starter{
		agents.ModeTerminal: s.terminal,
		agents.ModeShell:    s.shell,
		agents.ModeLogcat:   s.logcat,
		agents.ModeFile:     s.file,
		agents.ModeForward:  s.forward,
	}
	s.rpcs = map[string]rpcHandler{
		"ping":       s.ping,
		"shell.exec": s.shellExec,
	}
	return s
}

// Start validates a SPAWN request and acquires what the session needs.
// Errors here are reported to the hub before any session link is opened.
func (s *Set) Start(mode agents.Mode, args []string) (Job, error) {
	fn, ok := s.starters[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}
	return fn(args)
}

// Call runs the named RPC handler.
func (s *Set) Call(ctx context.Context, name string, args []string) (any, error) {
	fn, ok := s.rpcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRPC, name)
	}
	return fn(ctx, args)
}

func (s *Set) lookShell() (string, error) {
	path, err := exec.LookPath(s.cfg.Shell)
	if err != nil {
		return "", fmt.Errorf("shell %q: %w", s.cfg.Shell, err)
	}
	return path, nil
}

// resolvePath confines p to FileRoot when one is configured.
func (s *Set) resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadArgs)
	}
	if s.cfg.FileRoot == "" {
		return filepath.Clean(p), nil
	}
	root, err := filepath.Abs(s.cfg.FileRoot)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.Clean("/"+p))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes file root", ErrBadArgs, p)
	}
	return full, nil
}

// drain consumes console input a runner has no use for, so the end of the
// link is still observed.
func drain(r io.Reader) {
	io.Copy(io.Discard, r)
}
