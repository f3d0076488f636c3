// Package delivery writes updates to a stream without ever getting ahead of
// the consumer.
package delivery

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sidkik/mirror/pkg/proto/mirror"
)

// DefaultPollInterval is how often a ReadyPoller is checked while the
// consumer isn't ready.
const DefaultPollInterval = 100 * time.Millisecond

// Stream is the write half of an update stream.
type Stream interface {
	Send(*mirror.Update) error
}

// ReadyNotifier is implemented by streams that can signal when they're able
// to accept another message. The returned channel is ready to receive from
// once a Send won't overwhelm the consumer.
type ReadyNotifier interface {
	Ready() <-chan struct{}
}

// ReadyPoller is implemented by streams that can only report their readiness
// when asked.
type ReadyPoller interface {
	IsReady() bool
}

// Sender delivers updates to a Stream in order, one at a time, honoring the
// stream's flow control.
//
// If the stream implements neither ReadyNotifier nor ReadyPoller, its Send
// is expected to block until the consumer has capacity. This is the case for
// gRPC streams, whose SendMsg waits on the HTTP/2 flow control window.
type Sender struct {
	stream       Stream
	clock        clockwork.Clock
	pollInterval time.Duration
}

// Option configures a Sender.
type Option func(*Sender)

// WithClock sets the clock used to time readiness polls.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Sender) {
		s.clock = clock
	}
}

// WithPollInterval sets how long to wait between readiness polls.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Sender) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// NewSender returns a Sender that writes to `stream`.
func NewSender(stream Stream, opts ...Option) *Sender {
	s := &Sender{
		stream:       stream,
		clock:        clockwork.NewRealClock(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send blocks until the stream is ready, and then sends `update` exactly
// once.
// If `ctx` is cancelled while waiting, Send returns ctx.Err() without
// sending. The update isn't retried.
func (s *Sender) Send(ctx context.Context, update *mirror.Update) error {
	if err := s.waitReady(ctx); err != nil {
		return err
	}
	return s.stream.Send(update)
}

func (s *Sender) waitReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch stream := s.stream.(type) {
	case ReadyNotifier:
		select {
		case <-stream.Ready():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case ReadyPoller:
		for !stream.IsReady() {
			select {
			case <-s.clock.After(s.pollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	default:
		return nil
	}
}
