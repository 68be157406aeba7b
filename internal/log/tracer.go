package log

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

type tracerContextKey struct{}

var ctxKey = tracerContextKey{}

type traceLine struct {
	level     Severity
	msg       string
	timestamp time.Time
}

// Tracer collects per-request log lines and emits them together when
// Submit is called, each as its own record tagged with the tracer's
// trace_id. This lets a request's worth of Tracef/Debugf calls be
// attributed to one transaction.
type Tracer struct {
	id uuid.UUID

	mu    sync.Mutex
	lines []traceLine
}

// ID returns the tracer's request correlation ID.
func (t *Tracer) ID() string { return t.id.String() }

// AddTracer attaches a new Tracer to ctx and returns both. If ctx already
// carries a Tracer, it is returned unchanged instead of creating a new one.
func AddTracer(ctx context.Context) (context.Context, *Tracer) {
	if existing, ok := ctx.Value(ctxKey).(*Tracer); ok {
		return ctx, existing
	}
	t := &Tracer{id: uuid.Must(uuid.NewV4())}
	return context.WithValue(ctx, ctxKey, t), t
}

// TracerFromCtx returns the Tracer attached to ctx, or nil if none was attached.
func TracerFromCtx(ctx context.Context) *Tracer {
	t, _ := ctx.Value(ctxKey).(*Tracer)
	return t
}

func (t *Tracer) add(level Severity, msg string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, traceLine{level: level, msg: msg, timestamp: time.Now()})
}

// Trace logs at TraceLevel.
func (t *Tracer) Trace(msg string) { t.add(TraceLevel, msg) }

// Tracef logs at TraceLevel with formatting.
func (t *Tracer) Tracef(format string, args ...any) { t.add(TraceLevel, fmt.Sprintf(format, args...)) }

// Debug logs at DebugLevel.
func (t *Tracer) Debug(msg string) { t.add(DebugLevel, msg) }

// Debugf logs at DebugLevel with formatting.
func (t *Tracer) Debugf(format string, args ...any) { t.add(DebugLevel, fmt.Sprintf(format, args...)) }

// Info logs at InfoLevel.
func (t *Tracer) Info(msg string) { t.add(InfoLevel, msg) }

// Infof logs at InfoLevel with formatting.
func (t *Tracer) Infof(format string, args ...any) { t.add(InfoLevel, fmt.Sprintf(format, args...)) }

// Warningf logs at WarningLevel with formatting.
func (t *Tracer) Warningf(format string, args ...any) {
	t.add(WarningLevel, fmt.Sprintf(format, args...))
}

// Errorf logs at ErrorLevel with formatting.
func (t *Tracer) Errorf(format string, args ...any) {
	t.add(ErrorLevel, fmt.Sprintf(format, args...))
}

// Submit flushes all buffered lines to the package logger, in the order
// they were added, and resets the tracer. Safe to call on a nil Tracer.
func (t *Tracer) Submit() {
	if t == nil {
		return
	}
	t.mu.Lock()
	lines := t.lines
	t.lines = nil
	t.mu.Unlock()

	id := t.id.String()
	for _, l := range lines {
		if !fastcheck(l.level) {
			continue
		}
		switch {
		case l.level >= ErrorLevel:
			logger.Error(l.msg, "trace_id", id)
		case l.level >= WarningLevel:
			logger.Warn(l.msg, "trace_id", id)
		case l.level >= InfoLevel:
			logger.Info(l.msg, "trace_id", id)
		default:
			logger.Debug(l.msg, "trace_id", id)
		}
	}
}
