package channels

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotmem/pkg/bus"
	"github.com/dotsetgreg/dotmem/pkg/logger"
	"github.com/dotsetgreg/dotmem/pkg/memory"
)

// MemoryWriter is the part of the memory engine the recorder needs.
type MemoryWriter interface {
	AddMemory(in memory.Input) (string, error)
}

// Recorder drains the bus into a MemoryWriter.
type Recorder struct {
	bus      *bus.MessageBus
	writer   MemoryWriter
	recorded atomic.Uint64
	failed   atomic.Uint64
}

func NewRecorder(messageBus *bus.MessageBus, writer MemoryWriter) *Recorder {
	return &Recorder{bus: messageBus, writer: writer}
}

// Run records messages until ctx is done or the bus is closed.
func (r *Recorder) Run(ctx context.Context) {
	logger.InfoC("channels", "Memory recorder started")
	defer logger.InfoC("channels", "Memory recorder stopped")

	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		r.record(msg)
	}
}

func (r *Recorder) record(msg bus.InboundMessage) {
	id, err := r.writer.AddMemory(InputFromMessage(msg))
	if err != nil {
		r.failed.Add(1)
		logger.WarnCF("channels", "Failed to record message", map[string]any{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		return
	}
	r.recorded.Add(1)
	logger.DebugCF("channels", "Recorded message", map[string]any{
		"channel": msg.Channel,
		"id":      id,
	})
}

func (r *Recorder) Recorded() uint64 { return r.recorded.Load() }

func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// InputFromMessage maps a chat message onto a memory input. Guild messages
// get "#<channel>" as context; direct messages get "direct message".
func InputFromMessage(msg bus.InboundMessage) memory.Input {
	where := "direct message"
	if msg.ChatName != "" {
		where = "#" + msg.ChatName
	}

	var users []string
	if msg.Username != "" {
		users = []string{msg.Username}
	}

	metadata := make(map[string]string, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	if !msg.ReceivedAt.IsZero() {
		metadata["received_at"] = msg.ReceivedAt.UTC().Format(time.RFC3339)
	}

	return memory.Input{
		Content:       msg.Content,
		Context:       where,
		InvolvedUsers: users,
		Platform:      msg.Channel,
		Category:      "chat",
		Metadata:      metadata,
	}
}
