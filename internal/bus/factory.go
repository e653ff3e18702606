package bus

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
)

// Options selects and sizes a backend.
type Options struct {
	Backend     string // "local" or "stream"
	MaxMessages int
	StreamURL   string
	StreamKey   string
	Logger      *slog.Logger
	Drops       metric.Int64Counter
}

// New builds the backend named by opts.Backend. The returned close func
// releases backend resources and is never nil.
func New(opts Options) (MessageBus, func() error, error) {
	local := NewLocal(opts.MaxMessages)
	switch opts.Backend {
	case "", "local":
		return local, func() error { return nil }, nil
	case "stream":
		s, err := NewStream(local, StreamOptions{
			URL:    opts.StreamURL,
			Key:    opts.StreamKey,
			Logger: opts.Logger,
			Drops:  opts.Drops,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("bus: unknown backend %q", opts.Backend)
	}
}
