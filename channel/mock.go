package channel

import (
	"context"
	"sync"
	"time"

	"github.com/manycast/manycast/core"
)

// MockAdapter is a scriptable adapter for tests. Outcomes can be set per
// sub-endpoint; inbound traffic is simulated through Inject.
type MockAdapter struct {
	mu sync.Mutex

	name      string
	endpoints []string
	supported bool

	failWith      error
	failEndpoints map[string]error
	latency       time.Duration
	delay         time.Duration

	sent     []MockSend
	handler  func(payload []byte, endpoint string)
	shutdown bool
}

// MockSend records one Send call observed by the mock.
type MockSend struct {
	Recipient string
	Payload   []byte
	Endpoint  string
}

// NewMockAdapter creates a mock channel with the given name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name:          name,
		supported:     true,
		latency:       10 * time.Millisecond,
		failEndpoints: make(map[string]error),
	}
}

// WithEndpoints sets the configured sub-endpoints.
func (m *MockAdapter) WithEndpoints(endpoints ...string) *MockAdapter {
	m.endpoints = endpoints
	return m
}

// WithFailure makes every send fail with err.
func (m *MockAdapter) WithFailure(err error) *MockAdapter {
	m.failWith = err
	return m
}

// WithEndpointFailure makes sends on one sub-endpoint fail with err.
func (m *MockAdapter) WithEndpointFailure(endpoint string, err error) *MockAdapter {
	m.failEndpoints[endpoint] = err
	return m
}

// WithLatency sets the latency reported in outcomes.
func (m *MockAdapter) WithLatency(latency time.Duration) *MockAdapter {
	m.latency = latency
	return m
}

// WithDelay makes Send actually block for the given duration.
func (m *MockAdapter) WithDelay(delay time.Duration) *MockAdapter {
	m.delay = delay
	return m
}

// WithSupported controls the capability gate.
func (m *MockAdapter) WithSupported(supported bool) *MockAdapter {
	m.supported = supported
	return m
}

// Name implements core.Adapter.
func (m *MockAdapter) Name() string { return m.name }

// Endpoints implements core.Adapter.
func (m *MockAdapter) Endpoints() []string { return m.endpoints }

// IsSupported implements core.Adapter.
func (m *MockAdapter) IsSupported() bool { return m.supported }

// Send implements core.Adapter.
func (m *MockAdapter) Send(ctx context.Context, recipientLocator string, payload []byte, endpoint string) core.SendOutcome {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return core.SendOutcome{Endpoint: endpoint, Err: ctx.Err()}
		case <-time.After(m.delay):
		}
	}

	m.mu.Lock()
	m.sent = append(m.sent, MockSend{Recipient: recipientLocator, Payload: payload, Endpoint: endpoint})
	err := m.failWith
	if epErr, ok := m.failEndpoints[endpoint]; ok {
		err = epErr
	}
	latency := m.latency
	m.mu.Unlock()

	if err != nil {
		return core.SendOutcome{Endpoint: endpoint, Err: err}
	}
	return core.SendOutcome{Endpoint: endpoint, Success: true, Latency: latency}
}

// Subscribe implements core.Adapter.
func (m *MockAdapter) Subscribe(ctx context.Context, selfLocator string, handler func(payload []byte, endpoint string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handler = handler
	return nil
}

// Shutdown implements core.Adapter.
func (m *MockAdapter) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdown = true
	return nil
}

// Inject simulates an inbound payload arriving on the given sub-endpoint.
func (m *MockAdapter) Inject(payload []byte, endpoint string) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		handler(payload, endpoint)
	}
}

// Sent returns a snapshot of the sends observed so far.
func (m *MockAdapter) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := make([]MockSend, len(m.sent))
	copy(sent, m.sent)
	return sent
}

// SentTo returns the sends attempted on one sub-endpoint.
func (m *MockAdapter) SentTo(endpoint string) []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sent []MockSend
	for _, s := range m.sent {
		if s.Endpoint == endpoint {
			sent = append(sent, s)
		}
	}
	return sent
}
