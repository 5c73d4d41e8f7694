package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"
)

// MockNATSConn is a mock of the subset of *nats.Conn used by the NATS sink
type MockNATSConn struct {
	mock.Mock
}

func (m *MockNATSConn) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	return args.Error(0)
}

func (m *MockNATSConn) FlushTimeout(timeout time.Duration) error {
	args := m.Called(timeout)
	return args.Error(0)
}

func (m *MockNATSConn) Drain() error {
	args := m.Called()
	return args.Error(0)
}
