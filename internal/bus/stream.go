package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultStreamKey   = "ontoti:bus"
	defaultForwardSize = 256
	forwardTimeout     = 2 * time.Second
)

// StreamAdder is the subset of a Redis client used for forwarding.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type StreamOptions struct {
	URL string
	Key string
	// MaxLen trims the stream (approximately) on every add. Zero uses the
	// local retention bound.
	MaxLen int64
	// Client overrides the client built from URL.
	Client StreamAdder
	// QueueSize bounds messages awaiting forwarding; overflow is dropped.
	QueueSize int
	Logger    *slog.Logger
	// Drops, when set, counts messages that never reached the stream.
	Drops metric.Int64Counter
}

// StreamBus is a LocalBus that also forwards each message to a Redis
// stream. Forwarding is best-effort and asynchronous: a slow or failing
// stream never blocks or fails Publish.
type StreamBus struct {
	*LocalBus

	client StreamAdder
	key    string
	maxLen int64
	logger *slog.Logger
	drops  metric.Int64Counter

	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	closed   bool
	dropped  int64
	failures int64
}

// NewStream wraps local with forwarding to the configured stream.
func NewStream(local *LocalBus, opts StreamOptions) (*StreamBus, error) {
	if local == nil {
		local = NewLocal(DefaultMaxMessages)
	}
	client := opts.Client
	if client == nil {
		if opts.URL == "" {
			return nil, fmt.Errorf("bus: stream url is required")
		}
		redisOpts, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("bus: parse stream url: %w", err)
		}
		redisOpts.DialTimeout = 3 * time.Second
		redisOpts.WriteTimeout = forwardTimeout
		client = redis.NewClient(redisOpts)
	}
	if opts.Key == "" {
		opts.Key = defaultStreamKey
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = int64(local.Capacity())
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultForwardSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &StreamBus{
		LocalBus: local,
		client:   client,
		key:      opts.Key,
		maxLen:   opts.MaxLen,
		logger:   opts.Logger,
		drops:    opts.Drops,
		queue:    make(chan Message, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go s.forwardLoop()
	return s, nil
}

func (s *StreamBus) Publish(senderID, receiverID, taskID string, payload map[string]any, priority int) Message {
	msg := s.LocalBus.Publish(senderID, receiverID, taskID, payload, priority)
	reason := ""
	s.mu.Lock()
	if s.closed {
		reason = "closed"
	} else {
		select {
		case s.queue <- msg:
		default:
			reason = "queue_full"
		}
	}
	if reason != "" {
		s.dropped++
	}
	s.mu.Unlock()
	if reason != "" {
		s.countDrop(reason)
	}
	return msg
}

// Stats returns how many messages were dropped before forwarding and how
// many forwards failed.
func (s *StreamBus) Stats() (dropped, failures int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped, s.failures
}

// Close drains queued messages, stops forwarding and closes the client.
// Messages published afterwards stay local and count as dropped.
func (s *StreamBus) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		<-s.done
		if c, ok := s.client.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (s *StreamBus) forwardLoop() {
	defer close(s.done)
	for msg := range s.queue {
		if err := s.forward(msg); err != nil {
			s.mu.Lock()
			s.failures++
			s.mu.Unlock()
			s.countDrop("forward_error")
			s.logger.Warn("bus: stream forward failed", "stream", s.key, "message_id", msg.ID, "error", err)
		}
	}
}

func (s *StreamBus) countDrop(reason string) {
	if s.drops == nil {
		return
	}
	s.drops.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (s *StreamBus) forward(msg Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"message_id":  msg.ID,
			"sender_id":   msg.SenderID,
			"receiver_id": msg.ReceiverID,
			"task_id":     msg.TaskID,
			"payload":     string(payload),
			"priority":    strconv.Itoa(msg.Priority),
			"timestamp":   msg.Timestamp.Format(time.RFC3339Nano),
		},
	}).Err()
}
