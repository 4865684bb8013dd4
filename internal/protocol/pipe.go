package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Pipe adapts a session link to a byte stream: DATA frames in both
// directions, STDIN_CLOSED read as io.EOF, RESIZE delivered to a callback.
// Read must be called from a single goroutine; writes are serialized.
type Pipe struct {
	stream   LinkStream
	release  func()
	onResize func(cols, rows uint16)
	onFrame  func()

	sendMu sync.Mutex

	buf         []byte
	inputClosed bool

	done      chan struct{}
	closeOnce sync.Once
}

type PipeOption func(*Pipe)

// WithResizeHandler is called for every RESIZE frame read from the link.
func WithResizeHandler(fn func(cols, rows uint16)) PipeOption {
	return func(p *Pipe) { p.onResize = fn }
}

// WithFrameHook is called for every frame read from the link.
func WithFrameHook(fn func()) PipeOption {
	return func(p *Pipe) { p.onFrame = fn }
}

// NewPipe wraps stream. release is invoked once by Close and must make any
// blocked Recv or Send on stream return.
func NewPipe(stream LinkStream, release func(), opts ...PipeOption) *Pipe {
	p := &Pipe{
		stream:  stream,
		release: release,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipe) Read(b []byte) (int, error) {
	for len(p.buf) == 0 {
		if p.inputClosed {
			return 0, io.EOF
		}
		f, err := p.stream.Recv()
		if err != nil {
			if p.isClosed() {
				return 0, net.ErrClosed
			}
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, err
		}
		if p.onFrame != nil {
			p.onFrame()
		}
		switch f.Type {
		case TypeData:
			p.buf = f.Data
		case TypeStdinClosed:
			p.inputClosed = true
		case TypeResize:
			if p.onResize != nil && f.Cols > 0 && f.Rows > 0 {
				p.onResize(f.Cols, f.Rows)
			}
		case TypePing, TypePong:
		default:
			return 0, fmt.Errorf("%w: %s on session link", ErrMalformedFrame, f.Type)
		}
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *Pipe) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	data := make([]byte, len(b))
	copy(data, b)
	if err := p.send(&Frame{Type: TypeData, Data: data}); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite tells the peer that no more input follows without ending the
// session; the peer's Read returns io.EOF while output keeps flowing.
func (p *Pipe) CloseWrite() error {
	return p.send(&Frame{Type: TypeStdinClosed})
}

// Resize forwards a terminal size change to the peer.
func (p *Pipe) Resize(cols, rows uint16) error {
	return p.send(&Frame{Type: TypeResize, Cols: cols, Rows: rows})
}

// CloseSend half-closes a client link after the last write so buffered
// frames are flushed before the stream ends.
func (p *Pipe) CloseSend() error {
	cs, ok := p.stream.(interface{ CloseSend() error })
	if !ok {
		return nil
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return cs.CloseSend()
}

func (p *Pipe) send(f *Frame) error {
	if p.isClosed() {
		return net.ErrClosed
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.stream.Send(f)
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.release != nil {
			p.release()
		}
	})
	return nil
}

// Done is closed once Close has been called.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

func (p *Pipe) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
