package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startResponder(t *testing.T, advertise string) *Responder {
	t.Helper()
	r, err := NewResponder("127.0.0.1:0", advertise, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func exchange(t *testing.T, r *Responder, datagram []byte) ([]byte, bool) {
	t.Helper()
	conn, err := net.Dial("udp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(datagram)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = Decode([]byte("not cbor at all"))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	b, err := Encode(Message{Magic: "SOMEONE", Version: Version, Type: TypeProbe})
	require.NoError(t, err)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	b, err = Encode(Message{Magic: Magic, Version: 99, Type: TypeProbe})
	require.NoError(t, err)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	b, err = Encode(Message{Magic: Magic, Version: Version, Type: "hello"})
	require.NoError(t, err)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = Decode(make([]byte, maxDatagram+1))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestResponderAnswersProbe(t *testing.T) {
	r := startResponder(t, "hub.local:4455")

	probe, err := Encode(NewProbe("n1"))
	require.NoError(t, err)

	reply, ok := exchange(t, r, probe)
	require.True(t, ok)
	m, err := Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, TypeAnnounce, m.Type)
	assert.Equal(t, "n1", m.Nonce)
	assert.Equal(t, "hub.local:4455", m.Addr)
}

func TestResponderIsIdempotent(t *testing.T) {
	r := startResponder(t, "hub.local:4455")

	probe, err := Encode(NewProbe("same"))
	require.NoError(t, err)

	first, ok := exchange(t, r, probe)
	require.True(t, ok)
	second, ok := exchange(t, r, probe)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestResponderDropsGarbage(t *testing.T) {
	r := startResponder(t, "hub.local:4455")

	_, ok := exchange(t, r, []byte{0xff, 0x00, 0x13})
	assert.False(t, ok)

	spoofed, err := Encode(Message{Magic: "EVIL", Version: Version, Type: TypeProbe})
	require.NoError(t, err)
	_, ok = exchange(t, r, spoofed)
	assert.False(t, ok)

	announce, err := Encode(NewAnnounce("x", "elsewhere:1"))
	require.NoError(t, err)
	_, ok = exchange(t, r, announce)
	assert.False(t, ok)

	// Still serving.
	probe, err := Encode(NewProbe("after"))
	require.NoError(t, err)
	_, ok = exchange(t, r, probe)
	assert.True(t, ok)
}

func TestProberDiscovers(t *testing.T) {
	r := startResponder(t, "hub.local:4455")

	p := &Prober{Target: r.Addr().String(), Interval: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr, err := p.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hub.local:4455", addr)
}

func TestProberFillsInResponderHost(t *testing.T) {
	r := startResponder(t, ":4455")

	p := &Prober{Target: r.Addr().String(), Interval: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr, err := p.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4455", addr)
}

func TestProberGivesUpWithContext(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	p := &Prober{Target: silent.LocalAddr().String(), Interval: 50 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = p.Discover(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
