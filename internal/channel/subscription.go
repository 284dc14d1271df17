package channel

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the connection state of one channel subscription.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
	StatusError        Status = "ERROR"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == StatusTimedOut || s == StatusClosed || s == StatusError
}

var ErrHubClosed = errors.New("channel hub closed")

// Stream is an open subscription to one document channel.
type Stream interface {
	Events() <-chan Event
	Statuses() <-chan Status
	Close() error
}

// Subscription is the Redis-backed Stream.
type Subscription struct {
	pubsub   *redis.PubSub
	events   chan Event
	statuses chan Status

	mu      sync.Mutex
	current Status
	closed  bool
	stop    chan struct{}
	once    sync.Once
}

func newSubscription(pubsub *redis.PubSub) *Subscription {
	return &Subscription{
		pubsub:   pubsub,
		events:   make(chan Event, 64),
		statuses: make(chan Status, 4),
		current:  StatusInitializing,
		stop:     make(chan struct{}),
	}
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Statuses delivers INITIALIZING, then SUBSCRIBED, then one terminal status.
// The channel is closed after the terminal status.
func (s *Subscription) Statuses() <-chan Status {
	return s.statuses
}

func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		err = s.pubsub.Close()
	})
	return err
}

func (s *Subscription) run(ctx context.Context, timeout time.Duration) {
	defer close(s.events)
	s.statuses <- StatusInitializing

	confirmCtx, cancel := context.WithTimeout(ctx, timeout)
	msg, err := s.pubsub.Receive(confirmCtx)
	expired := errors.Is(confirmCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		switch {
		case s.isClosed():
			s.finish(StatusClosed)
		case expired || isTimeout(err):
			_ = s.pubsub.Close()
			s.finish(StatusTimedOut)
		default:
			log.Printf("channel: subscribe failed: %v", err)
			_ = s.pubsub.Close()
			s.finish(StatusError)
		}
		return
	}
	if _, ok := msg.(*redis.Subscription); !ok {
		log.Printf("channel: unexpected subscribe reply %T", msg)
		_ = s.pubsub.Close()
		s.finish(StatusError)
		return
	}
	s.transition(StatusSubscribed)

	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			s.finish(StatusClosed)
			return
		case <-s.stop:
			s.finish(StatusClosed)
			return
		case message, ok := <-messages:
			if !ok {
				if s.isClosed() {
					s.finish(StatusClosed)
				} else {
					s.finish(StatusError)
				}
				return
			}
			event, err := Decode([]byte(message.Payload))
			if err != nil {
				log.Printf("channel: drop message on %s: %v", message.Channel, err)
				continue
			}
			select {
			case s.events <- event:
			case <-s.stop:
				s.finish(StatusClosed)
				return
			case <-ctx.Done():
				_ = s.Close()
				s.finish(StatusClosed)
				return
			}
		}
	}
}

// isTimeout reports whether err is a deadline failure. go-redis turns the
// confirm deadline into a socket read deadline, so it surfaces as a net error.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) transition(next Status) {
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	s.statuses <- next
}

func (s *Subscription) finish(terminal Status) {
	s.transition(terminal)
	close(s.statuses)
}
