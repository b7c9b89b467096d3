// Package logging provides categorized, config-driven logging for codebridge.
// Every category writes through a single zap core. Until Initialize is called
// all loggers are no-ops, so library users get silence by default.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, config loading
	CategoryExecutor Category = "executor" // Subprocess execution
	CategoryProtocol Category = "protocol" // MCP framing, JSON-RPC dispatch
	CategoryRepair   Category = "repair"   // Repair table matches, policy reloads
	CategoryBridge   Category = "bridge"   // Retry controller
	CategoryAdapter  Category = "adapter"  // Tool façade
	CategoryHTTP     Category = "http"     // HTTP front end
	CategoryAudit    Category = "audit"    // Execution audit trail
)

// AllCategories lists every category known to the logger.
func AllCategories() []Category {
	return []Category{
		CategoryBoot, CategoryExecutor, CategoryProtocol, CategoryRepair,
		CategoryBridge, CategoryAdapter, CategoryHTTP, CategoryAudit,
	}
}

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          // debug, info, warn, error
	JSONFormat bool            // JSON encoder instead of console
	File       string          // optional log file; empty means stderr
	Categories map[string]bool // explicit per-category switches; missing means enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu       sync.RWMutex
	base     = zap.NewNop()
	enabled  map[string]bool
	loggers  = make(map[Category]*Logger)
	sinkFile *os.File
)

// Initialize builds the zap backend from cfg. It may be called again to
// reconfigure; previously returned loggers are replaced.
func Initialize(cfg Config) error {
	level, err := zapcore.ParseLevel(strings.ToLower(defaultString(cfg.Level, "info")))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	var file *os.File
	if cfg.File != "" {
		file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(file)
	}

	UseLogger(zap.New(zapcore.NewCore(enc, sink, level)), cfg.Categories)

	mu.Lock()
	if sinkFile != nil {
		_ = sinkFile.Close()
	}
	sinkFile = file
	mu.Unlock()
	return nil
}

// UseLogger installs an existing zap logger as the backend. The CLI uses this
// to share its root logger; tests pass an observer-backed logger.
func UseLogger(l *zap.Logger, categories map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	base = l
	enabled = categories
	loggers = make(map[Category]*Logger)
}

// Reset returns the package to its silent default.
func Reset() {
	UseLogger(nil, nil)
	mu.Lock()
	if sinkFile != nil {
		_ = sinkFile.Close()
		sinkFile = nil
	}
	mu.Unlock()
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	_ = l.Sync()
}

// IsCategoryEnabled reports whether a category writes anything.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if enabled == nil {
		return true
	}
	on, ok := enabled[string(category)]
	return !ok || on
}

// Get returns the logger for a category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	zl := base
	if on, ok := enabled[string(category)]; ok && !on {
		zl = zap.NewNop()
	}
	l := &Logger{
		category: category,
		sugar:    zl.With(zap.String("cat", string(category))).WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Zap exposes the underlying structured logger for callers that want fields.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying structured key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// WithRequestID tags every entry with a correlation id.
func (l *Logger) WithRequestID(id string) *Logger {
	if id == "" {
		return l
	}
	return l.With("req", id)
}

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when the operation ran longer than threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Per-category helpers.

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Executor(format string, args ...interface{})      { Get(CategoryExecutor).Info(format, args...) }
func ExecutorDebug(format string, args ...interface{}) { Get(CategoryExecutor).Debug(format, args...) }
func ExecutorWarn(format string, args ...interface{})  { Get(CategoryExecutor).Warn(format, args...) }
func ExecutorError(format string, args ...interface{}) { Get(CategoryExecutor).Error(format, args...) }

func Protocol(format string, args ...interface{})      { Get(CategoryProtocol).Info(format, args...) }
func ProtocolDebug(format string, args ...interface{}) { Get(CategoryProtocol).Debug(format, args...) }
func ProtocolWarn(format string, args ...interface{})  { Get(CategoryProtocol).Warn(format, args...) }
func ProtocolError(format string, args ...interface{}) { Get(CategoryProtocol).Error(format, args...) }

func Repair(format string, args ...interface{})      { Get(CategoryRepair).Info(format, args...) }
func RepairDebug(format string, args ...interface{}) { Get(CategoryRepair).Debug(format, args...) }
func RepairWarn(format string, args ...interface{})  { Get(CategoryRepair).Warn(format, args...) }

func Bridge(format string, args ...interface{})      { Get(CategoryBridge).Info(format, args...) }
func BridgeDebug(format string, args ...interface{}) { Get(CategoryBridge).Debug(format, args...) }
func BridgeWarn(format string, args ...interface{})  { Get(CategoryBridge).Warn(format, args...) }

func Adapter(format string, args ...interface{})      { Get(CategoryAdapter).Info(format, args...) }
func AdapterDebug(format string, args ...interface{}) { Get(CategoryAdapter).Debug(format, args...) }

func HTTP(format string, args ...interface{})      { Get(CategoryHTTP).Info(format, args...) }
func HTTPDebug(format string, args ...interface{}) { Get(CategoryHTTP).Debug(format, args...) }
func HTTPWarn(format string, args ...interface{})  { Get(CategoryHTTP).Warn(format, args...) }

func Audit(format string, args ...interface{}) { Get(CategoryAudit).Info(format, args...) }
