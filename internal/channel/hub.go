package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"canvas/api/internal/presence"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "canvas:"
	presencePrefix = "canvas:presence:"
)

// Options tune a Hub. Zero values fall back to defaults.
type Options struct {
	SubscribeTimeout time.Duration
	PresenceTTL      time.Duration
	SendQueue        int
}

func (o Options) withDefaults() Options {
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = 10 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 2 * time.Minute
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	return o
}

// Name returns the channel every participant of documentID subscribes to.
func Name(documentID string) string {
	return channelPrefix + documentID
}

func presenceKey(documentID string) string {
	return presencePrefix + documentID
}

type outbound struct {
	channel string
	payload []byte
}

// Hub publishes and subscribes canvas channels on one Redis client.
type Hub struct {
	client *redis.Client
	opts   Options
	queue  chan outbound
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewHub creates a hub from a Redis URL and verifies the connection.
func NewHub(redisURL string, opts Options) (*Hub, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewHubWithClient(client, opts), nil
}

// NewHubWithClient creates a hub from an existing Redis client.
func NewHubWithClient(client *redis.Client, opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		client: client,
		opts:   opts,
		queue:  make(chan outbound, opts.SendQueue),
		done:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.sendLoop()
	return h
}

// Publish sends event on the document channel and waits for Redis to accept it.
func (h *Hub) Publish(ctx context.Context, documentID, sender string, event Event) error {
	payload, err := Encode(sender, event)
	if err != nil {
		return err
	}
	return h.PublishRaw(ctx, documentID, payload)
}

// PublishRaw forwards an already encoded envelope.
func (h *Hub) PublishRaw(ctx context.Context, documentID string, payload []byte) error {
	if err := h.client.Publish(ctx, Name(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Name(documentID), err)
	}
	return nil
}

// Broadcast queues event for delivery and returns immediately. It reports
// false when the message was dropped because the queue is full or the hub
// is closed.
func (h *Hub) Broadcast(documentID, sender string, event Event) bool {
	payload, err := Encode(sender, event)
	if err != nil {
		log.Printf("channel: drop broadcast on %s: %v", Name(documentID), err)
		return false
	}
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.queue <- outbound{channel: Name(documentID), payload: payload}:
		return true
	default:
		return false
	}
}

func (h *Hub) sendLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := h.client.Publish(ctx, msg.channel, msg.payload).Err(); err != nil {
				log.Printf("channel: broadcast on %s failed: %v", msg.channel, err)
			}
			cancel()
		}
	}
}

// Track stores record as a member of the document channel and publishes the
// resulting full membership.
func (h *Hub) Track(ctx context.Context, documentID string, record presence.Record) error {
	if record.UserID == "" {
		return errors.New("track presence: user id is required")
	}
	record.LastSeenAt = time.Now().UTC()
	if record.OnlineAt.IsZero() {
		record.OnlineAt = record.LastSeenAt
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	key := presenceKey(documentID)
	pipe := h.client.TxPipeline()
	pipe.HSet(ctx, key, record.UserID, encoded)
	pipe.Expire(ctx, key, h.opts.PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}

	members, err := h.Members(ctx, documentID)
	if err != nil {
		return err
	}
	return h.Publish(ctx, documentID, record.UserID, PresenceSync{Members: members})
}

// Untrack removes userID from the document membership and announces the leave.
func (h *Hub) Untrack(ctx context.Context, documentID, userID string) error {
	if err := h.client.HDel(ctx, presenceKey(documentID), userID).Err(); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return h.Publish(ctx, documentID, userID, PresenceLeave{UserID: userID})
}

// Members returns the tracked members of the document channel.
func (h *Hub) Members(ctx context.Context, documentID string) ([]presence.Record, error) {
	values, err := h.client.HGetAll(ctx, presenceKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	members := make([]presence.Record, 0, len(values))
	for userID, raw := range values {
		var record presence.Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			log.Printf("channel: skip malformed presence for %s: %v", userID, err)
			continue
		}
		members = append(members, record)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

// Subscribe opens the document channel. The returned stream starts in
// StatusInitializing and reports every transition on Statuses.
func (h *Hub) Subscribe(ctx context.Context, documentID string) (Stream, error) {
	select {
	case <-h.done:
		return nil, ErrHubClosed
	default:
	}
	pubsub := h.client.Subscribe(ctx, Name(documentID))
	sub := newSubscription(pubsub)
	go sub.run(ctx, h.opts.SubscribeTimeout)
	return sub, nil
}

// Ping checks if Redis is reachable
func (h *Hub) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close stops the broadcast queue and closes the Redis connection.
func (h *Hub) Close() error {
	var err error
	h.once.Do(func() {
		close(h.done)
		h.wg.Wait()
		err = h.client.Close()
	})
	return err
}
