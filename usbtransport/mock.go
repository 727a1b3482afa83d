package usbtransport

import (
	"context"
	"sync"
	"time"

	"github.com/swiftmtp/swiftmtp/device"
	"github.com/swiftmtp/swiftmtp/internal/errs"
)

// MockTransport is the in-memory Transport variant used by C3/C6/C7/C9
// tests (spec §9 "Dynamic dispatch": native-USB and in-memory mock).
// A test drives the device side by queuing device->host bytes with
// PushIn (and interrupt events with PushEvent) and inspecting what the
// host wrote via Written, or by installing an OnBulkOut hook that
// answers each command as it is written.
type MockTransport struct {
	desc device.Summary

	mu        sync.Mutex
	toHost    [][]byte // queued device->host bytes, consumed by BulkIn
	fromHost  [][]byte // bytes the host wrote via BulkOut, for assertions
	irq       [][]byte // queued interrupt-in events
	resetDev  int
	resetEps  int
	closed    bool
	onBulkOut func(buf []byte) // optional hook invoked synchronously from BulkOut
}

// NewMockTransport constructs a MockTransport for the given summary.
func NewMockTransport(desc device.Summary) *MockTransport {
	return &MockTransport{desc: desc}
}

// PushIn queues bytes to be returned by future BulkIn calls, FIFO. One
// push may be split across several BulkIn calls when the caller's
// buffer is smaller than the queued chunk, exactly as a real bulk-in
// endpoint would: BulkIn never returns more than the caller's buffer
// can hold, and a short read is not an error.
func (m *MockTransport) PushIn(buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), buf...)
	m.toHost = append(m.toHost, cp)
}

// PushEvent queues bytes to be returned by a future InterruptIn call.
func (m *MockTransport) PushEvent(buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), buf...)
	m.irq = append(m.irq, cp)
}

// OnBulkOut installs a callback invoked with every buffer written via
// BulkOut, letting a test script respond by calling PushIn from inside
// the hook.
func (m *MockTransport) OnBulkOut(f func(buf []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBulkOut = f
}

// Written returns every buffer written via BulkOut so far, for assertions.
func (m *MockTransport) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.fromHost...)
}

func (m *MockTransport) Descriptor() device.Summary { return m.desc }

func (m *MockTransport) BulkIn(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errs.NewTransportError(errs.TransportNoDevice, "mock transport closed")
	}
	if len(m.toHost) == 0 {
		m.mu.Unlock()
		return 0, errs.NewTransportError(errs.TransportTimeout, "mock: no data queued")
	}

	chunk := m.toHost[0]
	n := copy(buf, chunk)
	if n < len(chunk) {
		// buf was smaller than the queued chunk: a real bulk-in endpoint
		// would simply return fewer bytes than requested and leave the
		// rest for the next read, which is exactly what readFull's loop
		// expects - not an error.
		m.toHost[0] = chunk[n:]
	} else {
		m.toHost = m.toHost[1:]
	}
	m.mu.Unlock()

	return n, nil
}

func (m *MockTransport) BulkOut(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errs.NewTransportError(errs.TransportNoDevice, "mock transport closed")
	}
	cp := append([]byte(nil), buf...)
	m.fromHost = append(m.fromHost, cp)
	hook := m.onBulkOut
	m.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
	return len(buf), nil
}

func (m *MockTransport) InterruptIn(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errs.NewTransportError(errs.TransportNoDevice, "mock transport closed")
	}
	if len(m.irq) == 0 {
		return 0, errs.NewTransportError(errs.TransportTimeout, "mock: no event queued")
	}

	chunk := m.irq[0]
	m.irq = m.irq[1:]
	n := copy(buf, chunk)
	return n, nil
}

func (m *MockTransport) ResetDevice() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDev++
	return nil
}

func (m *MockTransport) ResetEndpoints() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetEps++
	return nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Resets returns how many times ResetDevice/ResetEndpoints were called.
func (m *MockTransport) Resets() (device, endpoints int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetDev, m.resetEps
}

var _ Transport = (*MockTransport)(nil)
