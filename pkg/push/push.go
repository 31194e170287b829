// Package push fans pipeline progress and result messages out to session
// subscribers. Sends never block and never fail: a session with no active
// receiver simply drops the message, so the pipeline is indifferent to
// whether anyone is listening.
package push

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MessageType categorizes a pushed message.
type MessageType string

const (
	TypeThinking MessageType = "thinking"
	TypeResult   MessageType = "result"
	TypeChart    MessageType = "chart"
	TypeError    MessageType = "error"
	TypeStatus   MessageType = "status"
)

// Message is one pushed event for a session.
type Message struct {
	SessionID string            `json:"sessionId"`
	Type      MessageType       `json:"type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SentAt    time.Time         `json:"sentAt"`
}

// Channel is the push surface consumed by the orchestrator.
type Channel interface {
	// Send delivers a message to all subscribers of a session. It must
	// tolerate the absence of any active receiver.
	Send(sessionID string, messageType MessageType, content string, metadata map[string]string)
}

const subscriberBuffer = 64

// Broker is an in-process Channel with per-session subscriber fan-out.
type Broker struct {
	mu    sync.RWMutex
	subs  map[string]map[int]chan Message
	next  int
	log   *slog.Logger
	clock clockwork.Clock
}

// NewBroker creates an empty broker.
func NewBroker(log *slog.Logger) *Broker {
	return &Broker{
		subs:  make(map[string]map[int]chan Message),
		log:   log,
		clock: clockwork.NewRealClock(),
	}
}

// NewBrokerWithClock creates a broker with an injected clock for tests.
func NewBrokerWithClock(log *slog.Logger, clock clockwork.Clock) *Broker {
	b := NewBroker(log)
	b.clock = clock
	return b
}

// Subscribe registers a receiver for a session's messages. The returned
// cancel function removes the subscription and closes the channel.
func (b *Broker) Subscribe(sessionID string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, subscriberBuffer)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Message)
	}
	id := b.next
	b.next++
	b.subs[sessionID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[sessionID]; ok {
			if sub, ok := set[id]; ok {
				delete(set, id)
				close(sub)
			}
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

// Send delivers to all current subscribers of the session. Slow subscribers
// whose buffers are full lose the message rather than stalling the pipeline.
func (b *Broker) Send(sessionID string, messageType MessageType, content string, metadata map[string]string) {
	msg := Message{
		SessionID: sessionID,
		Type:      messageType,
		Content:   content,
		Metadata:  metadata,
		SentAt:    b.clock.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.subs[sessionID]
	if len(set) == 0 {
		return
	}
	for _, ch := range set {
		select {
		case ch <- msg:
		default:
			b.log.Debug("push subscriber buffer full, dropping message",
				"session", sessionID, "type", messageType)
		}
	}
}
