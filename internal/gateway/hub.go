package gateway

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/trialogue/internal/scheduler"
	"github.com/nextlevelbuilder/trialogue/pkg/protocol"
)

// ChunkLossTolerance is the character slack allowed between the streamed
// chunks and the final message before a repair kicks in.
const ChunkLossTolerance = 10

// Hub owns the per-discussion rooms and implements the scheduler's event
// sink: every emitted event fans out to the room's subscribers in order,
// with chunk-loss detection on the streaming path.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client // discussion id -> client id -> client

	accMu    sync.Mutex
	inflight map[string]*strings.Builder // "<discussion>#<turn>" -> streamed content
}

func NewHub() *Hub {
	return &Hub{
		rooms:    make(map[string]map[string]*Client),
		inflight: make(map[string]*strings.Builder),
	}
}

// Subscribe adds the client to a discussion's room.
func (h *Hub) Subscribe(discussionID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[discussionID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[discussionID] = room
	}
	room[c.id] = c
	c.addSubscription(discussionID)
}

// Unsubscribe removes the client from one room.
func (h *Hub) Unsubscribe(discussionID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[discussionID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, discussionID)
		}
	}
}

// RemoveClient drops the client from every room on disconnect.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range c.subscriptionList() {
		if room, ok := h.rooms[id]; ok {
			delete(room, c.id)
			if len(room) == 0 {
				delete(h.rooms, id)
			}
		}
	}
}

// Emit implements scheduler.Sink. Fan-out is best-effort parallel across
// subscribers; each subscriber's outbound queue preserves emission order.
func (h *Hub) Emit(discussionID, event string, payload interface{}) {
	payload = h.trackStream(discussionID, event, payload)
	frame := protocol.NewEvent(event, payload)

	h.mu.RLock()
	room := h.rooms[discussionID]
	subscribers := make([]*Client, 0, len(room))
	for _, c := range room {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribers {
		c.SendEvent(*frame)
	}
}

// trackStream maintains the per-turn chunk accumulator and applies the
// loss-repair rule on message-complete.
func (h *Hub) trackStream(discussionID, event string, payload interface{}) interface{} {
	switch event {
	case protocol.EventMessageStart:
		p, ok := payload.(scheduler.MessageStartPayload)
		if !ok {
			return payload
		}
		h.accMu.Lock()
		h.inflight[turnKey(discussionID, p.Turn)] = &strings.Builder{}
		h.accMu.Unlock()

	case protocol.EventMessageChunk:
		p, ok := payload.(scheduler.MessageChunkPayload)
		if !ok {
			return payload
		}
		h.accMu.Lock()
		if acc, ok := h.inflight[turnKey(discussionID, p.Turn)]; ok {
			acc.WriteString(p.Content)
		}
		h.accMu.Unlock()

	case protocol.EventMessageComplete:
		p, ok := payload.(scheduler.MessageCompletePayload)
		if !ok {
			return payload
		}
		key := turnKey(discussionID, p.Message.Turn)
		h.accMu.Lock()
		acc, tracked := h.inflight[key]
		delete(h.inflight, key)
		h.accMu.Unlock()
		if !tracked {
			return payload
		}

		streamed := acc.String()
		final := p.Message.Content
		switch {
		case len(final) > len(streamed)+ChunkLossTolerance:
			// Chunks were lost in transit; the final content is authoritative.
			slog.Warn("chunk loss detected, final content wins",
				"discussion", discussionID, "turn", p.Message.Turn,
				"streamed", len(streamed), "final", len(final))
		case len(streamed) > len(final)+ChunkLossTolerance:
			// Provider truncated the final message; the stream wins.
			slog.Warn("final message shorter than stream, accumulated content wins",
				"discussion", discussionID, "turn", p.Message.Turn,
				"streamed", len(streamed), "final", len(final))
			p.Message.Content = streamed
			return p
		}
	}
	return payload
}

func turnKey(discussionID string, turn int) string {
	return fmt.Sprintf("%s#%d", discussionID, turn)
}
