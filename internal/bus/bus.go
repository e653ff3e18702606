package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/basket/ontoti/internal/shared"
)

const (
	defaultBufferSize  = 100
	DefaultMaxMessages = 1000
)

// Message is one inter-agent message. Priority is descriptive only; delivery
// and retention are strictly FIFO.
type Message struct {
	ID         string         `json:"message_id"`
	SenderID   string         `json:"sender_id"`
	ReceiverID string         `json:"receiver_id"`
	TaskID     string         `json:"task_id"`
	Payload    map[string]any `json:"payload"`
	Priority   int            `json:"priority"`
	Timestamp  time.Time      `json:"timestamp"`
}

// MessageBus is the capability set shared by every backend.
type MessageBus interface {
	Publish(senderID, receiverID, taskID string, payload map[string]any, priority int) Message
	// Recent returns up to limit of the newest retained messages, oldest
	// first. limit <= 0 returns everything retained.
	Recent(limit int) []Message
}

// Subscription receives messages whose receiver matches its prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan Message
}

// Ch returns the channel to receive messages on.
func (s *Subscription) Ch() <-chan Message {
	return s.ch
}

// LocalBus keeps the last maxMessages messages in a ring buffer and fans
// them out to in-process subscribers.
type LocalBus struct {
	mu    sync.Mutex
	ring  []Message
	start int
	count int

	subs   map[int]*Subscription
	nextID int

	now func() time.Time
}

// NewLocal creates a LocalBus retaining at most maxMessages.
func NewLocal(maxMessages int) *LocalBus {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &LocalBus{
		ring: make([]Message, maxMessages),
		subs: make(map[int]*Subscription),
		now:  time.Now,
	}
}

// Capacity returns the retention bound.
func (b *LocalBus) Capacity() int {
	return len(b.ring)
}

// Publish appends a message, evicting the oldest when full, and delivers it
// to matching subscribers. Delivery is non-blocking: a subscriber whose
// buffer is full misses the message.
func (b *LocalBus) Publish(senderID, receiverID, taskID string, payload map[string]any, priority int) Message {
	if payload == nil {
		payload = map[string]any{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	msg := Message{
		ID:         shared.NewMessageID(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		TaskID:     taskID,
		Payload:    payload,
		Priority:   priority,
		Timestamp:  b.now().UTC(),
	}

	capacity := len(b.ring)
	if b.count < capacity {
		b.ring[(b.start+b.count)%capacity] = msg
		b.count++
	} else {
		b.ring[b.start] = msg
		b.start = (b.start + 1) % capacity
	}

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(receiverID, sub.prefix) {
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
	return msg
}

func (b *LocalBus) Recent(limit int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Message, 0, n)
	capacity := len(b.ring)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.ring[(b.start+i)%capacity])
	}
	return out
}

// Len returns the number of retained messages.
func (b *LocalBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Subscribe creates a subscription for messages whose receiver id starts
// with receiverPrefix. An empty prefix matches all messages.
func (b *LocalBus) Subscribe(receiverPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: receiverPrefix,
		ch:     make(chan Message, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *LocalBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *LocalBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
