package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProgressSink persists progress for an execution record.
type ProgressSink interface {
	UpdateProgress(ctx context.Context, executionID string, value, max int64, message *string) error
}

const progressWriteTimeout = 5 * time.Second

// progressReporter keeps the latest progress in memory and forwards it to the
// sink and listeners through a rate limiter. The final values are persisted
// with the execution result.
type progressReporter struct {
	executionID string
	sink        ProgressSink
	limiter     *rate.Limiter
	logger      *slog.Logger
	onUpdate    func(value, max int64, message string)

	mu      sync.Mutex
	value   int64
	max     int64
	message *string
}

func newProgressReporter(executionID string, sink ProgressSink, every time.Duration, logger *slog.Logger, onUpdate func(value, max int64, message string)) *progressReporter {
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &progressReporter{
		executionID: executionID,
		sink:        sink,
		limiter:     rate.NewLimiter(limit, 1),
		logger:      logger,
		onUpdate:    onUpdate,
	}
}

func (p *progressReporter) set(ctx context.Context, value, max int64, message string) {
	if value < 0 {
		value = 0
	}
	if max < 0 {
		max = 0
	}
	var msg *string
	if message != "" {
		msg = &message
	}
	p.mu.Lock()
	p.value, p.max, p.message = value, max, msg
	p.mu.Unlock()

	// Listeners and the sink share one budget; the latest values reach both
	// with the execution result.
	if !p.limiter.Allow() {
		return
	}
	if p.onUpdate != nil {
		p.onUpdate(value, max, message)
	}
	if p.sink == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressWriteTimeout)
	defer cancel()
	if err := p.sink.UpdateProgress(writeCtx, p.executionID, value, max, msg); err != nil && p.logger != nil {
		p.logger.Warn("write progress", "execution_id", p.executionID, "err", err)
	}
}

func (p *progressReporter) snapshot() (int64, int64, *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.max, p.message
}
