package worker

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"

	"hivediscover/backend/internal/middleware"
)

// Nudger is a background component that can be told about new work early.
type Nudger interface {
	Nudge(id int64)
}

// Rebuilder is implemented by components that can redo their work from
// scratch when a nudge asks for it.
type Rebuilder interface {
	Rebuild(id int64)
}

// NudgeConsumer forwards nudge messages to a Nudger. Messages are always
// finished: the work they point at is flagged durably and found by polling
// anyway, so retrying a nudge buys nothing.
type NudgeConsumer struct {
	topic  string
	target Nudger
}

func NewNudgeConsumer(topic string, target Nudger) *NudgeConsumer {
	return &NudgeConsumer{topic: topic, target: target}
}

func (h *NudgeConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload NudgePayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison pill
		slog.Error("poison pill: invalid json", "topic", h.topic, "error", err)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}

	id := payload.ID()
	if id <= 0 {
		slog.WarnContext(ctx, "nudge without id dropped", "topic", h.topic)
		return nil
	}

	slog.DebugContext(ctx, "nudge received", "topic", h.topic, "id", id, "rebuild", payload.Rebuild)
	if r, ok := h.target.(Rebuilder); ok && payload.Rebuild {
		r.Rebuild(id)
		return nil
	}
	h.target.Nudge(id)
	return nil
}
