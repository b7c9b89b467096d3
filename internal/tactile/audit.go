package tactile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codebridge/internal/logging"
)

// AuditLogger fans audit events out to metrics, callbacks and an optional
// JSON-lines file.
type AuditLogger struct {
	mu sync.RWMutex

	// callbacks are functions to call for each event
	callbacks []func(AuditEvent)

	// fileLogger writes events to a file
	fileLogger *AuditFileLogger

	// metrics tracks execution statistics
	metrics *ExecutionMetrics
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger() *AuditLogger {
	return &AuditLogger{
		callbacks: make([]func(AuditEvent), 0),
		metrics:   NewExecutionMetrics(),
	}
}

// AddCallback registers a callback for audit events.
func (l *AuditLogger) AddCallback(callback func(AuditEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, callback)
}

// EnableFileLogging enables writing audit events to a file.
func (l *AuditLogger) EnableFileLogging(path string) error {
	fileLogger, err := NewAuditFileLogger(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileLogger != nil {
		_ = l.fileLogger.Close()
	}
	l.fileLogger = fileLogger
	return nil
}

// Close closes the audit logger.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLogger != nil {
		err := l.fileLogger.Close()
		l.fileLogger = nil
		return err
	}
	return nil
}

// Log processes an audit event.
func (l *AuditLogger) Log(event AuditEvent) {
	l.mu.RLock()
	callbacks := l.callbacks
	fileLogger := l.fileLogger
	metrics := l.metrics
	l.mu.RUnlock()

	if metrics != nil {
		metrics.RecordEvent(event)
	}

	logAuditEvent(event)

	for _, cb := range callbacks {
		cb(event)
	}

	if fileLogger != nil {
		if err := fileLogger.Write(event); err != nil {
			logging.Get(logging.CategoryAudit).Warn("audit file write failed: %v", err)
		}
	}
}

func logAuditEvent(event AuditEvent) {
	log := logging.Get(logging.CategoryAudit).WithRequestID(event.RequestID)
	switch event.Type {
	case AuditEventStart:
		log.Debug("%s start: %s", event.Command.Mode, event.Command.Binary)
	case AuditEventComplete:
		log.Info("%s complete: exit=%d elapsed=%.4fs", event.Command.Mode, event.Result.ExitCode, event.Result.ElapsedS)
	case AuditEventKilled:
		log.Warn("%s killed: %s", event.Command.Mode, event.Result.Error)
	case AuditEventError:
		log.Warn("%s error: %s", event.Command.Mode, event.Result.Error)
	case AuditEventBlocked:
		log.Warn("%s blocked: pattern %q", event.Command.Mode, event.BlockReason)
	}
}

// GetMetrics returns current execution metrics.
func (l *AuditLogger) GetMetrics() ExecutionMetricsSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.metrics == nil {
		return ExecutionMetricsSnapshot{}
	}
	return l.metrics.Snapshot()
}

// AuditFileLogger writes audit events to a file as JSON lines.
type AuditFileLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewAuditFileLogger creates a new file logger.
func NewAuditFileLogger(path string) (*AuditFileLogger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &AuditFileLogger{
		file: file,
		path: path,
	}, nil
}

// Write writes an event to the log file.
func (l *AuditFileLogger) Write(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("log file not open")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = l.file.Write(append(data, '\n'))
	return err
}

// Close closes the log file.
func (l *AuditFileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// ExecutionMetrics tracks aggregate execution statistics.
type ExecutionMetrics struct {
	mu sync.RWMutex

	totalExecutions      int64
	successfulExecutions int64
	failedExecutions     int64
	killedExecutions     int64
	blockedExecutions    int64
	errorExecutions      int64

	totalDurationMs  int64
	totalCPUTimeMs   int64
	peakMemoryBytes  int64
	executionsByMode map[Mode]int64

	lastEventTime time.Time
}

// NewExecutionMetrics creates a new metrics tracker.
func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{
		executionsByMode: make(map[Mode]int64),
	}
}

// RecordEvent updates metrics based on an audit event.
func (m *ExecutionMetrics) RecordEvent(event AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastEventTime = event.Timestamp

	switch event.Type {
	case AuditEventStart:
		m.totalExecutions++
		m.executionsByMode[event.Command.Mode]++

	case AuditEventComplete:
		if event.Result != nil {
			if event.Result.ExitCode == 0 {
				m.successfulExecutions++
			} else {
				m.failedExecutions++
			}
			m.totalDurationMs += event.Result.Duration.Milliseconds()

			if ru := event.Result.ResourceUsage; ru != nil {
				m.totalCPUTimeMs += ru.TotalCPUTimeMs()
				if ru.MaxRSSBytes > m.peakMemoryBytes {
					m.peakMemoryBytes = ru.MaxRSSBytes
				}
			}
		}

	case AuditEventKilled:
		m.killedExecutions++
		if event.Result != nil {
			m.totalDurationMs += event.Result.Duration.Milliseconds()
		}

	case AuditEventError:
		m.errorExecutions++

	case AuditEventBlocked:
		m.blockedExecutions++
	}
}

// ExecutionMetricsSnapshot is a point-in-time snapshot of metrics.
type ExecutionMetricsSnapshot struct {
	TotalExecutions      int64          `json:"total_executions"`
	SuccessfulExecutions int64          `json:"successful_executions"`
	FailedExecutions     int64          `json:"failed_executions"`
	KilledExecutions     int64          `json:"killed_executions"`
	BlockedExecutions    int64          `json:"blocked_executions"`
	ErrorExecutions      int64          `json:"error_executions"`
	TotalDurationMs      int64          `json:"total_duration_ms"`
	TotalCPUTimeMs       int64          `json:"total_cpu_time_ms"`
	PeakMemoryBytes      int64          `json:"peak_memory_bytes"`
	ExecutionsByMode     map[Mode]int64 `json:"executions_by_mode"`
	LastEventTime        time.Time      `json:"last_event_time"`
	SuccessRate          float64        `json:"success_rate"`
	AvgDurationMs        float64        `json:"avg_duration_ms"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *ExecutionMetrics) Snapshot() ExecutionMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byMode := make(map[Mode]int64, len(m.executionsByMode))
	for k, v := range m.executionsByMode {
		byMode[k] = v
	}

	successRate := float64(0)
	avgDuration := float64(0)
	completed := m.successfulExecutions + m.failedExecutions + m.killedExecutions
	if completed > 0 {
		successRate = float64(m.successfulExecutions) / float64(completed)
		avgDuration = float64(m.totalDurationMs) / float64(completed)
	}

	return ExecutionMetricsSnapshot{
		TotalExecutions:      m.totalExecutions,
		SuccessfulExecutions: m.successfulExecutions,
		FailedExecutions:     m.failedExecutions,
		KilledExecutions:     m.killedExecutions,
		BlockedExecutions:    m.blockedExecutions,
		ErrorExecutions:      m.errorExecutions,
		TotalDurationMs:      m.totalDurationMs,
		TotalCPUTimeMs:       m.totalCPUTimeMs,
		PeakMemoryBytes:      m.peakMemoryBytes,
		ExecutionsByMode:     byMode,
		LastEventTime:        m.lastEventTime,
		SuccessRate:          successRate,
		AvgDurationMs:        avgDuration,
	}
}

// AuditedExecutorWrapper routes an executor's events into an AuditLogger.
type AuditedExecutorWrapper struct {
	executor AuditedExecutor
	logger   *AuditLogger
}

// NewAuditedExecutor creates an executor wrapper with audit logging.
func NewAuditedExecutor(executor AuditedExecutor, logger *AuditLogger) *AuditedExecutorWrapper {
	if logger == nil {
		logger = NewAuditLogger()
	}
	executor.SetAuditCallback(logger.Log)
	return &AuditedExecutorWrapper{
		executor: executor,
		logger:   logger,
	}
}

// Execute runs a request through the wrapped executor.
func (w *AuditedExecutorWrapper) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	return w.executor.Execute(ctx, req)
}

// Capabilities returns the wrapped executor's capabilities.
func (w *AuditedExecutorWrapper) Capabilities() ExecutorCapabilities {
	return w.executor.Capabilities()
}

// GetLogger returns the audit logger.
func (w *AuditedExecutorWrapper) GetLogger() *AuditLogger {
	return w.logger
}
