// Package logging provides categorized logging for riacouncil.
// Each subsystem logs under its own category; categories can be enabled or
// disabled individually from config. Output goes through zap sugared
// loggers sharing a single core, so the package is safe for concurrent use
// and a silent no-op until Initialize is called.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // startup, config load
	CategoryCorpus     Category = "corpus"     // chunk ingestion, validation
	CategoryEmbedding  Category = "embedding"  // embedding engine
	CategoryIndex      Category = "index"      // BM25 sparse index
	CategoryVector     Category = "vector"     // vector store, hybrid search
	CategoryGraph      Category = "graph"      // knowledge graph
	CategoryRetrieval  Category = "retrieval"  // retrieval orchestration
	CategoryGateway    Category = "gateway"    // model gateway calls
	CategoryCouncil    Category = "council"    // council protocol stages
	CategoryReport     Category = "report"     // section extraction
	CategoryWorkflow   Category = "workflow"   // state machine, events
	CategoryReview     Category = "review"     // review store, SLA
	CategoryStore      Category = "store"      // sqlite persistence
)

// Config controls logging behavior. Zero value means disabled.
type Config struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Directory  string          `yaml:"directory"`  // log file directory; empty = stderr only
	Categories map[string]bool `yaml:"categories"` // empty = all enabled
}

// Logger is a category-scoped logger backed by a zap sugared logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	enabled  bool
}

var (
	mu          sync.RWMutex
	cfg         Config
	root        *zap.Logger
	loggers     = make(map[Category]*Logger)
	initialized bool
)

// Initialize configures the logging system. Safe to call once at startup;
// before it is called every logger is a no-op.
func Initialize(c Config) error {
	mu.Lock()
	defer mu.Unlock()

	cfg = c
	loggers = make(map[Category]*Logger)

	if !c.Enabled {
		initialized = false
		root = nil
		return nil
	}

	level := zapcore.InfoLevel
	switch c.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	sink := zapcore.AddSync(os.Stderr)
	if c.Directory != "" {
		if err := os.MkdirAll(c.Directory, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(c.Directory, "riacouncil.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(f)
	}

	root = zap.New(zapcore.NewCore(encoder, sink, level))
	initialized = true

	boot := getLocked(CategoryBoot)
	boot.Info("logging initialized: level=%s dir=%s", c.Level, c.Directory)
	return nil
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
	return getLocked(category)
}

func getLocked(category Category) *Logger {
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category}
	if initialized && root != nil && categoryEnabled(category) {
		l.sugar = root.Sugar().Named(string(category))
		l.enabled = true
	}
	loggers[category] = l
	return l
}

func categoryEnabled(category Category) bool {
	if len(cfg.Categories) == 0 {
		return true
	}
	enabled, ok := cfg.Categories[string(category)]
	return ok && enabled
}

// Debug logs at debug level with printf formatting.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l != nil && l.enabled {
		l.sugar.Debugf(format, args...)
	}
}

// Info logs at info level with printf formatting.
func (l *Logger) Info(format string, args ...interface{}) {
	if l != nil && l.enabled {
		l.sugar.Infof(format, args...)
	}
}

// Warn logs at warn level with printf formatting.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l != nil && l.enabled {
		l.sugar.Warnf(format, args...)
	}
}

// Error logs at error level with printf formatting.
func (l *Logger) Error(format string, args ...interface{}) {
	if l != nil && l.enabled {
		l.sugar.Errorf(format, args...)
	}
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

// Boot logs an info message to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs a debug message to the boot category.
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// Corpus logs an info message to the corpus category.
func Corpus(format string, args ...interface{}) { Get(CategoryCorpus).Info(format, args...) }

// CorpusDebug logs a debug message to the corpus category.
func CorpusDebug(format string, args ...interface{}) { Get(CategoryCorpus).Debug(format, args...) }

// Embedding logs an info message to the embedding category.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs a debug message to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Index logs an info message to the index category.
func Index(format string, args ...interface{}) { Get(CategoryIndex).Info(format, args...) }

// IndexDebug logs a debug message to the index category.
func IndexDebug(format string, args ...interface{}) { Get(CategoryIndex).Debug(format, args...) }

// Vector logs an info message to the vector category.
func Vector(format string, args ...interface{}) { Get(CategoryVector).Info(format, args...) }

// VectorDebug logs a debug message to the vector category.
func VectorDebug(format string, args ...interface{}) { Get(CategoryVector).Debug(format, args...) }

// Graph logs an info message to the graph category.
func Graph(format string, args ...interface{}) { Get(CategoryGraph).Info(format, args...) }

// GraphDebug logs a debug message to the graph category.
func GraphDebug(format string, args ...interface{}) { Get(CategoryGraph).Debug(format, args...) }

// Retrieval logs an info message to the retrieval category.
func Retrieval(format string, args ...interface{}) { Get(CategoryRetrieval).Info(format, args...) }

// RetrievalDebug logs a debug message to the retrieval category.
func RetrievalDebug(format string, args ...interface{}) {
	Get(CategoryRetrieval).Debug(format, args...)
}

// Gateway logs an info message to the gateway category.
func Gateway(format string, args ...interface{}) { Get(CategoryGateway).Info(format, args...) }

// GatewayDebug logs a debug message to the gateway category.
func GatewayDebug(format string, args ...interface{}) { Get(CategoryGateway).Debug(format, args...) }

// Council logs an info message to the council category.
func Council(format string, args ...interface{}) { Get(CategoryCouncil).Info(format, args...) }

// CouncilDebug logs a debug message to the council category.
func CouncilDebug(format string, args ...interface{}) { Get(CategoryCouncil).Debug(format, args...) }

// Report logs an info message to the report category.
func Report(format string, args ...interface{}) { Get(CategoryReport).Info(format, args...) }

// ReportDebug logs a debug message to the report category.
func ReportDebug(format string, args ...interface{}) { Get(CategoryReport).Debug(format, args...) }

// Workflow logs an info message to the workflow category.
func Workflow(format string, args ...interface{}) { Get(CategoryWorkflow).Info(format, args...) }

// WorkflowDebug logs a debug message to the workflow category.
func WorkflowDebug(format string, args ...interface{}) {
	Get(CategoryWorkflow).Debug(format, args...)
}

// Review logs an info message to the review category.
func Review(format string, args ...interface{}) { Get(CategoryReview).Info(format, args...) }

// ReviewDebug logs a debug message to the review category.
func ReviewDebug(format string, args ...interface{}) { Get(CategoryReview).Debug(format, args...) }

// Store logs an info message to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs a debug message to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures operation durations and logs them on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
	stopped  bool
}

// StartTimer begins timing an operation within a category.
func StartTimer(category Category, op string) *Timer {
	return &Timer{category: category, op: op, start: time.Now()}
}

// Stop ends the timer and logs the elapsed duration at debug level.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	Get(t.category).Debug("%s completed in %v", t.op, time.Since(t.start))
}
