package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Transport dials a connection to an external event sink.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a single connection to an external event sink.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

const (
	relayBaseBackoff = time.Second
	relayMaxBackoff  = 30 * time.Second
)

// relayFrame is the wire shape of one forwarded event.
type relayFrame struct {
	Topic   string      `json:"topic"`
	TraceID string      `json:"trace_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	SentAt  time.Time   `json:"sent_at"`
}

// Relay forwards bus events matching configured topic prefixes to an
// external sink over a Transport, reconnecting with capped exponential
// backoff when the connection drops. Events published while disconnected
// are dropped; the ledger remains the durable record.
type Relay struct {
	bus       *Bus
	transport Transport
	url       string
	topics    []string
	logger    *slog.Logger
}

func NewRelay(b *Bus, transport Transport, url string, topics []string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if len(topics) == 0 {
		topics = []string{""}
	}
	return &Relay{bus: b, transport: transport, url: url, topics: topics, logger: logger}
}

// Run pumps events until ctx is cancelled. It resubscribes after each
// reconnect so no subscription channel outlives a dead connection.
func (r *Relay) Run(ctx context.Context) {
	backoff := relayBaseBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := r.transport.Dial(ctx, r.url)
		if err != nil {
			r.logger.Warn("relay: dial failed", "url", r.url, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > relayMaxBackoff {
				backoff = relayMaxBackoff
			}
			continue
		}
		backoff = relayBaseBackoff
		r.logger.Info("relay: connected", "url", r.url, "topics", r.topics)

		err = r.pump(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("relay: connection lost", "error", err)
	}
}

func (r *Relay) pump(ctx context.Context, conn Conn) error {
	subs := make([]*Subscription, 0, len(r.topics))
	for _, prefix := range r.topics {
		subs = append(subs, r.bus.Subscribe(prefix))
	}
	defer func() {
		for _, sub := range subs {
			r.bus.Unsubscribe(sub)
		}
	}()

	merged := make(chan Event, defaultBufferSize)
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, sub := range subs {
		go func(s *Subscription) {
			for {
				select {
				case <-pumpCtx.Done():
					return
				case ev, ok := <-s.Ch():
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-pumpCtx.Done():
						return
					}
				}
			}
		}(sub)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-merged:
			frame := relayFrame{
				Topic:   ev.Topic,
				TraceID: ev.TraceID,
				Payload: ev.Payload,
				SentAt:  time.Now().UTC(),
			}
			data, err := json.Marshal(frame)
			if err != nil {
				r.logger.Error("relay: marshal event", "topic", ev.Topic, "error", err)
				continue
			}
			if err := conn.Write(ctx, data); err != nil {
				return err
			}
		}
	}
}
