// Package events publishes order events to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mbd888/p2pramp/internal/metrics"
	"github.com/mbd888/p2pramp/internal/order"
)

// SubjectPrefix is the root of every order event subject.
// Full form: orders.<event>.<orderId>, e.g. orders.completed.ord_123
const SubjectPrefix = "orders"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxAge         = 7 * 24 * time.Hour
	sinkName              = "nats"
)

// JetStream is the subset of nats.JetStreamContext the publisher uses.
type JetStream interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher writes order events to a JetStream stream.
type Publisher struct {
	conn   *nats.Conn // nil when built around an injected JetStream
	js     JetStream
	stream string
	logger *slog.Logger
}

var _ order.Publisher = (*Publisher)(nil)

// Connect dials url, opens JetStream and makes sure stream exists.
func Connect(url, stream string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("p2pramp"),
		nats.Timeout(defaultConnectTimeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	p, err := NewPublisher(js, stream, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher wraps an existing JetStream context.
func NewPublisher(js JetStream, stream string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{js: js, stream: stream, logger: logger}
	if err := p.ensureStream(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	_, err := p.js.StreamInfo(p.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("look up stream %s: %w", p.stream, err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:      p.stream,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    defaultMaxAge,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", p.stream, err)
	}
	p.logger.Info("created nats stream", "stream", p.stream)
	return nil
}

// Subject returns the subject an event is published on.
func Subject(ev order.Event) string {
	name := strings.TrimPrefix(string(ev.Type), "order.")
	id := "unknown"
	if ev.Order != nil {
		id = ev.Order.ID
	}
	return SubjectPrefix + "." + name + "." + id
}

// Publish implements order.Publisher. The order ID doubles as part of the
// JetStream message ID so redeliveries of the same change dedupe.
func (p *Publisher) Publish(ctx context.Context, ev order.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(sinkName, "error").Inc()
		return fmt.Errorf("marshal event: %w", err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if ev.Order != nil {
		opts = append(opts, nats.MsgId(fmt.Sprintf("%s:%s:%d", ev.Order.ID, ev.Type, ev.Order.Version)))
	}

	if _, err := p.js.Publish(Subject(ev), data, opts...); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(sinkName, "error").Inc()
		return fmt.Errorf("publish %s: %w", Subject(ev), err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(sinkName, "ok").Inc()
	return nil
}

// Close drains the underlying connection, if the publisher owns one.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
