package testhelpers

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/logger"
)

// IntegrationSuite provides infrastructure for integration tests
type IntegrationSuite struct {
	T       *testing.T
	Logger  *logger.Logger
	Ctx     context.Context
	Cancel  context.CancelFunc
	Network *MockNetwork
}

// NewIntegrationSuite creates a new integration test suite
func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	log := logger.New(logger.Config{
		Level:  "debug",
		Format: "text",
	})

	return &IntegrationSuite{
		T:       t,
		Logger:  log,
		Ctx:     ctx,
		Cancel:  cancel,
		Network: NewMockNetwork(),
	}
}

// Pair creates two connected endpoints on the suite network
func (s *IntegrationSuite) Pair(a, b string) (*MockEndpoint, *MockEndpoint) {
	epA, epB, err := s.Network.Pair(a, b)
	if err != nil {
		s.T.Fatal(err)
	}
	return epA, epB
}

// GetFreePort gets a free UDP port for testing
func (s *IntegrationSuite) GetFreePort() int {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		s.T.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

// Cleanup cleans up resources
func (s *IntegrationSuite) Cleanup() {
	s.Network.Close()
	s.Cancel()
}

// WaitFor waits for a condition to be true
func (s *IntegrationSuite) WaitFor(condition func() bool, timeout time.Duration, message string) bool {
	if WaitFor(condition, timeout) {
		return true
	}
	s.T.Logf("WaitFor timeout: %s", message)
	return false
}

// AssertEventually asserts that a condition becomes true within timeout
func (s *IntegrationSuite) AssertEventually(condition func() bool, timeout time.Duration, message string) {
	if !s.WaitFor(condition, timeout, message) {
		s.T.Errorf("Assertion failed: %s", message)
	}
}

// WaitFor polls condition every 5ms until it holds or timeout passes
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}
