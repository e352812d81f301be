// internal/channel/nats.go
// NATS implementation of the Channel interface. Core NATS subjects are
// used directly: publish is fire-and-forget, delivery is at-most-once, and
// the protocol's end-to-end checksums cover transport loss.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrChannelClosed is returned when publishing or subscribing on a closed
// channel.
var ErrChannelClosed = errors.New("channel closed")

// natsChannel wraps a NATS connection behind the Channel interface.
type natsChannel struct {
	nc *nats.Conn // NATS connection
}

// Connect establishes a NATS connection and returns it as a Channel.
// Reconnects are handled by the client library; handlers stay subscribed
// across reconnects.
func Connect(url string) (Channel, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("channel disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("channel reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &natsChannel{nc: nc}, nil
}

// Publish sends data on a subject without waiting for delivery.
func (c *natsChannel) Publish(ctx context.Context, subject string, data []byte) error {
	if c.nc.IsClosed() {
		return ErrChannelClosed
	}
	return c.nc.Publish(subject, data)
}

// Subscribe registers a handler for a subject. The NATS client delivers
// each subscription's messages on a dedicated goroutine, so a slow handler
// on one subject does not stall others.
func (c *natsChannel) Subscribe(subject string, handler Handler) (Subscription, error) {
	if c.nc.IsClosed() {
		return nil, ErrChannelClosed
	}
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return &natsSub{sub: sub}, nil
}

// Close drains the connection so in-flight handlers finish before the
// connection drops.
func (c *natsChannel) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
