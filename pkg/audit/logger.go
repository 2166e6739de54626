package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/google/uuid"
)

// WriterLogger writes decision records as JSON lines to an io.Writer. It is
// the development fallback when no decision store is configured; production
// deployments use StoreLogger.
type WriterLogger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger writes to stdout.
func NewLogger() *WriterLogger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter writes to the given writer.
func NewLoggerWithWriter(w io.Writer) *WriterLogger {
	return &WriterLogger{writer: w, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *WriterLogger) WithClock(clock func() time.Time) *WriterLogger {
	l.clock = clock
	return l
}

// Log implements DecisionLogger.
func (l *WriterLogger) Log(ctx context.Context, rec contracts.DecisionRecord) (string, error) {
	if rec.DecisionID == "" {
		rec.DecisionID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("audit: marshal decision %s: %w", rec.DecisionID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.writer, "DECISION: %s\n", data); err != nil {
		return "", fmt.Errorf("audit: write decision %s: %w", rec.DecisionID, err)
	}
	return rec.DecisionID, nil
}
