package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/evalcoach/evalcoach-api/internal/dto"
)

const streamSendBufferSize = 32

// streamHub tracks live subscribers per assistant message and fans stream
// events out to them. Slow subscribers drop frames rather than blocking the
// producer; a dropped subscriber recovers by reconnecting, which replays the
// accumulated content first.
type streamHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.StreamEvent]struct{}
	log         zerolog.Logger
}

func newStreamHub(logger zerolog.Logger) *streamHub {
	return &streamHub{
		subscribers: make(map[string]map[chan dto.StreamEvent]struct{}),
		log:         logger.With().Str("component", "stream_hub").Logger(),
	}
}

func (h *streamHub) subscribe(messageID string) chan dto.StreamEvent {
	ch := make(chan dto.StreamEvent, streamSendBufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.subscribers[messageID]; !exists {
		h.subscribers[messageID] = make(map[chan dto.StreamEvent]struct{})
	}
	h.subscribers[messageID][ch] = struct{}{}
	h.log.Debug().Str("message_id", messageID).Msg("stream subscriber attached")
	return ch
}

func (h *streamHub) unsubscribe(messageID string, ch chan dto.StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if channels, ok := h.subscribers[messageID]; ok {
		delete(channels, ch)
		if len(channels) == 0 {
			delete(h.subscribers, messageID)
		}
	}
	h.log.Debug().Str("message_id", messageID).Msg("stream subscriber detached")
}

func (h *streamHub) broadcast(messageID string, event dto.StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[messageID] {
		select {
		case ch <- event:
		default:
			h.log.Warn().Str("message_id", messageID).Msg("dropping stream event for slow subscriber")
		}
	}
}
