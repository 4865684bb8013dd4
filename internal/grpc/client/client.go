package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/modes"
	"github.com/EternisAI/overlord/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	sendChannelBuffer = 100
	initialDelay      = 1 * time.Second
	maxDelay          = 30 * time.Second
	backoffFactor     = 2
)

var ErrSendQueueFull = errors.New("send channel full")

// Runner prepares session jobs and answers RPCs on the device.
type Runner interface {
	Start(mode agents.Mode, args []string) (modes.Job, error)
	Call(ctx context.Context, name string, args []string) (any, error)
}

type Config struct {
	// ServerAddress is the hub's agent port. When empty, Resolve is asked
	// on every connection attempt.
	ServerAddress string
	Resolve       func(ctx context.Context) (string, error)

	MachineID    string
	Properties   func() map[string]any
	PingInterval time.Duration
	// Timeout is how long the control link may stay silent before the
	// client reconnects.
	Timeout time.Duration
	// SessionGrace is how long a finished session waits for the hub to
	// close the link before tearing it down.
	SessionGrace time.Duration
	RPCTimeout   time.Duration

	// Creds may be nil for a plaintext connection.
	Creds       credentials.TransportCredentials
	DialOptions []grpc.DialOption
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 3 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = 5 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 30 * time.Second
	}
	if c.Properties == nil {
		c.Properties = func() map[string]any { return map[string]any{} }
	}
}

// Client keeps one control link to the hub open, reconnecting with
// exponential backoff, and opens a session link for every SPAWN.
type Client struct {
	cfg    Config
	runner Runner
	logger *slog.Logger

	conn *grpc.ClientConn
	link protocol.ClientLink

	sendCh chan *protocol.Frame
	seen   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	connected chan struct{}

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	sessions sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

func NewClient(cfg Config, runner Runner, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:               cfg,
		runner:            runner,
		logger:            logger.With("component", "ghost", "machine_id", cfg.MachineID),
		sendCh:            make(chan *protocol.Frame, sendChannelBuffer),
		seen:              make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		connected:         make(chan struct{}),
		reconnectDelay:    initialDelay,
		maxReconnectDelay: maxDelay,
		ctx:               ctx,
		cancel:            cancel,
	}
}

func (c *Client) Start() error {
	if c.cfg.MachineID == "" {
		return fmt.Errorf("machine id is required")
	}
	if c.cfg.ServerAddress == "" && c.cfg.Resolve == nil {
		return fmt.Errorf("either a server address or a resolver is required")
	}
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	c.logger.Info("Stopping ghost client")
	close(c.stopCh)
	c.cancel()
	<-c.doneCh
	c.sessions.Wait()
	c.logger.Info("Ghost client stopped")
	return nil
}

// Connected is closed after the first successful HELLO.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

// Send queues f on the control link without blocking.
func (c *Client) Send(f *protocol.Frame) error {
	select {
	case c.sendCh <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SetStatus reports a device status change to the hub.
func (c *Client) SetStatus(status agents.Status) error {
	return c.Send(&protocol.Frame{Type: protocol.TypeUpdate, Status: string(status)})
}

// PushProperties sends freshly collected properties to the hub.
func (c *Client) PushProperties() error {
	return c.Send(&protocol.Frame{Type: protocol.TypeProperties, Properties: c.cfg.Properties()})
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	var connectedOnce sync.Once
	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.logger.Error("Connection failed", "error", err, "retry_in", c.reconnectDelay)
			select {
			case <-time.After(c.reconnectDelay):
				c.increaseReconnectDelay()
				continue
			case <-c.stopCh:
				return
			}
		}

		c.reconnectDelay = initialDelay
		connectedOnce.Do(func() { close(c.connected) })

		if err := c.handleStream(); err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Info("Hub closed connection")
			} else {
				c.logger.Error("Stream error", "error", err)
			}
		}

		c.disconnect()

		select {
		case <-c.stopCh:
			return
		case <-time.After(c.reconnectDelay):
			c.logger.Info("Reconnecting", "delay", c.reconnectDelay)
			c.increaseReconnectDelay()
		}
	}
}

func (c *Client) connect() error {
	addr := c.cfg.ServerAddress
	if addr == "" {
		resolved, err := c.cfg.Resolve(c.ctx)
		if err != nil {
			return fmt.Errorf("failed to find hub: %w", err)
		}
		addr = resolved
	}
	c.logger.Info("Connecting to hub", "address", addr)

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if c.cfg.Creds != nil {
		opts = append(opts, grpc.WithTransportCredentials(c.cfg.Creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		c.logger.Warn("Using insecure connection (TLS disabled)")
	}
	opts = append(opts, c.cfg.DialOptions...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial hub: %w", err)
	}

	link, err := protocol.OpenLink(c.ctx, conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open control link: %w", err)
	}

	hello := protocol.Hello(c.cfg.MachineID, agents.ModeControl, "", c.cfg.Properties())
	if err := link.Send(hello); err != nil {
		link.CloseSend()
		conn.Close()
		return fmt.Errorf("failed to send HELLO: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.link = link
	c.mu.Unlock()

	c.logger.Info("Connected to hub", "address", addr)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != nil {
		c.link.CloseSend()
		c.link = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
}

func (c *Client) handleStream() error {
	c.mu.RLock()
	link, conn := c.link, c.conn
	c.mu.RUnlock()

	done := make(chan struct{})
	errChan := make(chan error, 2)

	go c.receiveLoop(link, conn, errChan)
	go c.sendLoop(link, done, errChan)

	timeout := time.NewTimer(c.cfg.Timeout)
	defer timeout.Stop()
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	defer close(done)
	for {
		select {
		case <-c.seen:
			timeout.Reset(c.cfg.Timeout)
		case <-ping.C:
			c.Send(&protocol.Frame{Type: protocol.TypePing})
		case <-timeout.C:
			return fmt.Errorf("no frame from hub in %s", c.cfg.Timeout)
		case err := <-errChan:
			return err
		case <-c.stopCh:
			return nil
		}
	}
}

func (c *Client) receiveLoop(link protocol.ClientLink, conn *grpc.ClientConn, errChan chan<- error) {
	for {
		f, err := link.Recv()
		if err != nil {
			errChan <- err
			return
		}

		select {
		case c.seen <- struct{}{}:
		default:
		}

		if err := f.Validate(); err != nil {
			errChan <- err
			return
		}
		c.logger.Debug("Frame received", "type", f.Type)
		c.processFrame(conn, f)
	}
}

func (c *Client) sendLoop(link protocol.ClientLink, done <-chan struct{}, errChan chan<- error) {
	for {
		select {
		case <-done:
			return
		case f := <-c.sendCh:
			if err := link.Send(f); err != nil {
				c.logger.Error("Error sending frame", "type", f.Type, "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) processFrame(conn *grpc.ClientConn, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypePing:
		c.Send(&protocol.Frame{Type: protocol.TypePong})

	case protocol.TypePong:

	case protocol.TypeRequestProperties:
		if err := c.PushProperties(); err != nil {
			c.logger.Error("Failed to send properties", "error", err)
		}

	case protocol.TypeSpawn:
		c.sessions.Add(1)
		go func() {
			defer c.sessions.Done()
			c.spawn(conn, f)
		}()

	case protocol.TypeRPCCall:
		go c.handleRPC(f)

	default:
		c.logger.Warn("Unexpected frame on control link", "type", f.Type)
	}
}
