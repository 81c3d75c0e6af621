package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSkipsBusyPorts(t *testing.T) {
	busy := map[int]bool{8000: true, 8001: true}
	a := NewPortAllocator(8000, 10, func(p int) bool { return !busy[p] })

	port, err := a.Allocate(nil)
	require.NoError(t, err)
	assert.Equal(t, 8002, port)
	assert.Equal(t, 8003, a.Next())
}

func TestAllocateSkipsOwnedPorts(t *testing.T) {
	a := NewPortAllocator(8000, 10, allFree)

	port, err := a.Allocate(func(p int) bool { return p == 8000 })
	require.NoError(t, err)
	assert.Equal(t, 8001, port)
}

func TestAllocateNeverRepeats(t *testing.T) {
	a := NewPortAllocator(8000, 10, allFree)

	first, err := a.Allocate(nil)
	require.NoError(t, err)
	second, err := a.Allocate(nil)
	require.NoError(t, err)
	assert.Equal(t, 8000, first)
	assert.Equal(t, 8001, second)
}

func TestAllocateExhausted(t *testing.T) {
	a := NewPortAllocator(8000, 5, func(int) bool { return false })

	_, err := a.Allocate(nil)
	assert.ErrorIs(t, err, ErrPortExhausted)
	assert.Equal(t, 8000, a.Next())
}

func TestRestore(t *testing.T) {
	a := NewPortAllocator(8000, 5, allFree)

	a.Restore(8041)
	assert.Equal(t, 8042, a.Next())

	a.Restore(0)
	assert.Equal(t, 8000, a.Next())
}

func TestIsPortAvailable(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	port := l.Addr().(*net.TCPAddr).Port
	assert.False(t, IsPortAvailable(port))
}
