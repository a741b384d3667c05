package tun

import (
	"fmt"
	"sync"
)

// MockDevice is an in-memory Device for tests. It needs no kernel access:
// outbound traffic is injected with InjectOutbound and shows up in Read;
// packets written with Write are recorded for inspection.
type MockDevice struct {
	name string
	mtu  int

	outCh  chan []byte
	closed chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closeOnce sync.Once
}

// NewMockDevice creates a mock device.
func NewMockDevice(name string, mtu int) *MockDevice {
	return &MockDevice{
		name:   name,
		mtu:    mtu,
		outCh:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (m *MockDevice) Name() string { return m.name }
func (m *MockDevice) MTU() int     { return m.mtu }

// Read blocks until a packet is injected or the device is closed.
func (m *MockDevice) Read(buf []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, fmt.Errorf("tun: %s closed", m.name)
	case pkt := <-m.outCh:
		n := copy(buf, pkt)
		return n, nil
	}
}

// Write records the packet.
func (m *MockDevice) Write(pkt []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, fmt.Errorf("tun: %s closed", m.name)
	default:
	}
	cp := append([]byte(nil), pkt...)
	m.mu.Lock()
	m.written = append(m.written, cp)
	m.mu.Unlock()
	return len(pkt), nil
}

// Close unblocks a pending Read.
func (m *MockDevice) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// InjectOutbound queues a packet for the next Read, as if the kernel routed
// it into the tunnel.
func (m *MockDevice) InjectOutbound(pkt []byte) error {
	cp := append([]byte(nil), pkt...)
	select {
	case <-m.closed:
		return fmt.Errorf("tun: %s closed", m.name)
	case m.outCh <- cp:
		return nil
	}
}

// Written returns a copy of every packet written so far.
func (m *MockDevice) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	for i, p := range m.written {
		out[i] = append([]byte(nil), p...)
	}
	return out
}
