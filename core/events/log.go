package events

import (
	"log/slog"
	"sort"

	"marketcore/core/types"
)

// Payload is implemented by events that carry a structured attribute payload
// in addition to their type.
type Payload interface {
	Event
	Event() *types.Event
}

// LogEmitter writes every emitted event to a structured logger. It is the
// default production sink; indexers can replace it with their own Emitter.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates an emitter that logs events through the supplied
// logger. A nil logger falls back to slog.Default.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements the Emitter interface. Attributes are logged in key order
// so repeated events produce stable lines.
func (l *LogEmitter) Emit(evt Event) {
	if l == nil || l.logger == nil || evt == nil {
		return
	}
	args := []any{slog.String("event", evt.EventType())}
	if payload, ok := evt.(Payload); ok {
		if p := payload.Event(); p != nil {
			keys := make([]string, 0, len(p.Attributes))
			for key := range p.Attributes {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				args = append(args, slog.String(key, p.Attributes[key]))
			}
		}
	}
	l.logger.Info("market event", args...)
}
