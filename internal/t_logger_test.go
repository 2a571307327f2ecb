package internal

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/grasevski/amqpcli/config"
	"github.com/grasevski/amqpcli/logger"
)

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	logs     map[string][]string // key is log level, value is array of log entries
	mu       sync.Mutex
	t        *testing.T
	logCount int // total log entries count
}

// NewMockLogger creates a new MockLogger for testing
func NewMockLogger(t *testing.T) *MockLogger {
	return &MockLogger{
		logs: map[string][]string{
			"fatal": {},
			"error": {},
			"warn":  {},
			"info":  {},
			"debug": {},
		},
		t: t,
	}
}

func (m *MockLogger) record(level, format string, a ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := fmt.Sprintf(format, a...)
	m.logs[level] = append(m.logs[level], msg)
	m.logCount++
	m.t.Logf("MOCK-%s: %s", strings.ToUpper(level), msg)
}

func (m *MockLogger) Fatal(format string, a ...any) { m.record("fatal", format, a...) }
func (m *MockLogger) Err(format string, a ...any)   { m.record("error", format, a...) }
func (m *MockLogger) Warn(format string, a ...any)  { m.record("warn", format, a...) }
func (m *MockLogger) Info(format string, a ...any)  { m.record("info", format, a...) }
func (m *MockLogger) Debug(format string, a ...any) { m.record("debug", format, a...) }

// Contains checks if any log message at the specified level contains the given substr
func (m *MockLogger) Contains(level, substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.logs[level] {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Count returns the number of log messages at the specified level
func (m *MockLogger) Count(level string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs[level])
}

// TotalCount returns the total number of log messages
func (m *MockLogger) TotalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logCount
}

func TestCustomLogger(t *testing.T) {
	mockLogger := NewMockLogger(t)

	c := &connection{}
	WithLogger(mockLogger)(c)

	if c.customLogger != mockLogger {
		t.Errorf("custom logger not set, got %T, want %T", c.customLogger, mockLogger)
	}
	if got := c.Logger(); got != logger.Logger(mockLogger) {
		t.Errorf("Logger() should hand back the injected logger, got %T", got)
	}

	c.Info("opened channel %d", 7)
	c.Warn("dropping frame on channel %d", 3)
	c.Err("transport failed: %v", fmt.Errorf("broken pipe"))
	c.Debug("negotiated frame-max %d", 131072)

	// Fatal delegates before it would exit the process; surviving this call
	// is part of the assertion.
	c.Fatal("handshake violation: %s", "bad protocol header")

	if got := mockLogger.TotalCount(); got != 5 {
		t.Errorf("expected 5 delegated log entries, got %d", got)
	}
	if !mockLogger.Contains("info", "channel 7") {
		t.Errorf("info message not delegated with its arguments")
	}
	if !mockLogger.Contains("debug", "131072") {
		t.Errorf("debug message not delegated")
	}
	if !mockLogger.Contains("fatal", "bad protocol header") {
		t.Errorf("fatal message not delegated")
	}
	if mockLogger.Count("error") != 1 {
		t.Errorf("expected 1 error entry, got %d", mockLogger.Count("error"))
	}
}

func TestLoggerFallsBackToConnection(t *testing.T) {
	c := &connection{}
	if got := c.Logger(); got != logger.Logger(c) {
		t.Errorf("without a custom logger the connection logs through itself, got %T", got)
	}
}

func TestLoggingConfigCustomLoggerWinsOverDisable(t *testing.T) {
	mockLogger := NewMockLogger(t)

	c := &connection{}
	WithLoggingConfig(config.LoggingConfig{CustomLogger: mockLogger, DisableLogging: true})(c)

	c.Info("negotiated heartbeat %v", 0)

	if mockLogger.Count("info") != 1 {
		t.Errorf("a custom logger receives entries even with default output disabled, got %d", mockLogger.Count("info"))
	}
}
