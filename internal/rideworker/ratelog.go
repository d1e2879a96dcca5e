package rideworker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger drops repeats within the interval. Used on swallowed-error
// paths (store-write failures, background refetch failures) so a flapping
// origin cannot flood the log.
type rateLimitedLogger struct {
	log      *zap.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	l.log.Warn(msg, fields...)
}
