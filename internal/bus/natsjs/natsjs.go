// Package natsjs publishes and consumes bus messages over NATS JetStream.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/bus"
	"github.com/asotonet/isp-billing/internal/events"
)

type Config struct {
	URL     string
	Prefix  string
	Timeout time.Duration
	// MaxAge bounds how long the stream keeps messages.
	MaxAge time.Duration
}

type Client struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	maxAge time.Duration
}

var _ bus.Publisher = (*Client)(nil)

func Connect(cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")
	nc, err := nats.Connect(cfg.URL,
		nats.Name("isp-billing"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		_ = nc.Drain()
		nc.Close()
		return nil, err
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &Client{nc: nc, js: js, prefix: cfg.Prefix, maxAge: maxAge}, nil
}

func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}

func (c *Client) StreamName() string { return fmt.Sprintf("%s_events", c.prefix) }

// EnsureStreams creates the single stream holding every subject under the
// prefix, or aligns its retention when it already exists.
func (c *Client) EnsureStreams() error {
	cfg := &nats.StreamConfig{
		Name:      c.StreamName(),
		Subjects:  []string{events.Subject(c.prefix, ">")},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    c.maxAge,
	}
	info, err := c.js.StreamInfo(cfg.Name)
	if err == nil {
		if info.Config.MaxAge == cfg.MaxAge {
			return nil
		}
		_, err = c.js.UpdateStream(cfg)
		return err
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = c.js.AddStream(cfg)
	return err
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	s := events.Subject(c.prefix, subject)
	_, err := c.js.PublishMsg(&nats.Msg{
		Subject: s,
		Data:    data,
	}, nats.Context(ctx))
	return err
}

type pullConsumer struct {
	sub *nats.Subscription
}

// NewPullConsumer binds a durable pull consumer to filterSubject (relative to
// the prefix). An empty durable creates an ephemeral consumer.
func (c *Client) NewPullConsumer(durable, filterSubject string, maxAckPending int) (bus.PullConsumer, error) {
	s := events.Subject(c.prefix, filterSubject)
	sub, err := c.js.PullSubscribe(s, durable,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxAckPending(maxAckPending),
		nats.BindStream(c.StreamName()),
	)
	if err != nil {
		return nil, err
	}
	return &pullConsumer{sub: sub}, nil
}

// IsFetchTimeout reports an empty fetch window.
func IsFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

type msg struct {
	m *nats.Msg
}

func (m *msg) Data() []byte { return m.m.Data }
func (m *msg) Ack() error   { return m.m.Ack() }
func (m *msg) Nak() error   { return m.m.Nak() }
func (m *msg) Term() error  { return m.m.Term() }

func (pc *pullConsumer) Fetch(ctx context.Context, batch int, wait time.Duration) ([]bus.Message, error) {
	fctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msgs, err := pc.sub.Fetch(batch, nats.Context(fctx))
	if err != nil {
		return nil, err
	}
	out := make([]bus.Message, 0, len(msgs))
	for _, nm := range msgs {
		out = append(out, &msg{m: nm})
	}
	return out, nil
}
