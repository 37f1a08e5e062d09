package events

import "go.uber.org/zap"

// LogSink writes every event to a zap logger at debug level, and circuit
// openings and task failures at warn level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink. A nil logger discards everything.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Emit logs the event.
func (s *LogSink) Emit(e Event) {
	fields := []zap.Field{zap.String("type", string(e.Type))}
	if e.TaskID != "" {
		fields = append(fields, zap.String("task", e.TaskID))
	}
	if e.WorkerID != "" {
		fields = append(fields, zap.String("worker", e.WorkerID))
	}
	if e.Key != "" {
		fields = append(fields, zap.String("key", e.Key))
	}
	if e.From != "" || e.To != "" {
		fields = append(fields, zap.String("from", e.From), zap.String("to", e.To))
	}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}

	if e.Type == TypeCircuitStateChange && e.To == "open" || e.Type == TypeTaskTransition && e.To == "failed" {
		s.logger.Warn("engine event", fields...)
		return
	}
	s.logger.Debug("engine event", fields...)
}
