package forward

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPool_AllocateAndRelease(t *testing.T) {
	p, err := NewPortPool(8100, 8105)
	require.NoError(t, err)

	port, err := p.Allocate("m1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 8100)
	assert.LessOrEqual(t, port, 8105)
	assert.Equal(t, "m1", p.Allocations()[port])

	p.Release(port)
	assert.NotContains(t, p.Allocations(), port)

	port2, err := p.Allocate("m2")
	require.NoError(t, err)
	assert.Equal(t, "m2", p.Allocations()[port2])
}

func TestPortPool_Exhaustion(t *testing.T) {
	p, err := NewPortPool(8100, 8102)
	require.NoError(t, err)

	ports := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		port, err := p.Allocate(fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		ports = append(ports, port)
	}

	unique := make(map[int]bool)
	for _, port := range ports {
		unique[port] = true
	}
	assert.Len(t, unique, 3)

	_, err = p.Allocate("overflow")
	assert.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(ports[0])
	port, err := p.Allocate("recovered")
	require.NoError(t, err)
	assert.Equal(t, ports[0], port)
}

func TestPortPool_ConcurrentAllocations(t *testing.T) {
	p, err := NewPortPool(8100, 8120)
	require.NoError(t, err)

	var wg sync.WaitGroup
	portsCh := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			port, err := p.Allocate(fmt.Sprintf("m%d", id))
			if assert.NoError(t, err) {
				portsCh <- port
			}
		}(i)
	}
	wg.Wait()
	close(portsCh)

	unique := make(map[int]bool)
	for port := range portsCh {
		assert.False(t, unique[port], "port %d allocated twice", port)
		unique[port] = true
	}
	assert.Len(t, unique, 10)
	assert.Len(t, p.Allocations(), 10)
}

func TestPortPool_ReleaseIdempotent(t *testing.T) {
	p, err := NewPortPool(8100, 8100)
	require.NoError(t, err)

	port, err := p.Allocate("m1")
	require.NoError(t, err)

	p.Release(port)
	p.Release(port)
	p.Release(9999)

	_, err = p.Allocate("m2")
	require.NoError(t, err)
	_, err = p.Allocate("m3")
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPortPool_InvalidRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
	}{
		{"reversed", 8200, 8100},
		{"zero", 0, 10},
		{"too high", 65000, 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPortPool(tt.start, tt.end)
			assert.Error(t, err)
		})
	}
}
