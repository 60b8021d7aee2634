// Package events publishes the outcome of every processed HL7 message to a
// Redis stream so that dashboards and other services can follow the engine
// without polling the database.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream outcomes are appended to.
const DefaultStream = "lis:hl7:outcomes"

// defaultMaxLen caps the stream length (approximate trimming).
const defaultMaxLen = 10000

// Outcome is one processed message.
type Outcome struct {
	MessageID   int64     `json:"message_id"`
	Kind        string    `json:"kind"`
	Peer        string    `json:"peer"`
	MessageType string    `json:"message_type"`
	ControlID   string    `json:"control_id"`
	SampleID    string    `json:"sample_id"`
	Instrument  string    `json:"instrument,omitempty"`
	OrderNumber string    `json:"order_number,omitempty"`
	State       string    `json:"state"`
	Reason      string    `json:"reason"`
	Ack         string    `json:"ack"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Ignored     int       `json:"ignored"`
	Images      int       `json:"images"`
	At          time.Time `json:"at"`
}

// Publisher delivers outcomes.
type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
}

// Noop discards every outcome. Used when no Redis URL is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Outcome) error { return nil }

// RedisPublisher appends outcomes to a Redis stream with XADD.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: defaultMaxLen}
}

// Dial parses a redis:// URL, checks the connection and returns a publisher.
func Dial(ctx context.Context, url, stream string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisPublisher(client, stream), nil
}

// Publish appends o to the stream. Summary fields are written flat so
// consumers can filter without decoding; data holds the full JSON.
func (p *RedisPublisher) Publish(ctx context.Context, o Outcome) error {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"message_id": strconv.FormatInt(o.MessageID, 10),
			"kind":       o.Kind,
			"reason":     o.Reason,
			"ack":        o.Ack,
			"data":       string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
