package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Emitter publishes domain events as JSON envelopes. Emit never fails the
// caller: marshal and publish errors are logged and dropped.
type Emitter struct {
	bus    domain.EventBus
	logger *slog.Logger
}

// NewEmitter creates an emitter. A nil bus yields a no-op emitter.
func NewEmitter(bus domain.EventBus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{bus: bus, logger: logger}
}

// Emit publishes data on topic wrapped in a domain.Event.
func (e *Emitter) Emit(ctx context.Context, topic string, data any) {
	if e == nil || e.bus == nil {
		return
	}

	payload, err := json.Marshal(domain.Event{
		Type:      topic,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		e.logger.Warn("failed to encode event", "topic", topic, "error", err)
		return
	}

	if err := e.bus.Publish(context.WithoutCancel(ctx), topic, payload); err != nil {
		e.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
