// Package fanout republishes received alerts on Redis so other processes can
// follow the feed without holding their own stream connection.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/cloudcare/alert-desk/pkg/models"
)

// Defaults used when Config leaves them empty
const (
	DefaultChannel = "cloudcare:emergency:alerts"
	DefaultHistory = 100
)

// Config for the Redis publisher
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// History is how many recent alerts are kept in a list next to the channel
	History int
}

// NewClient creates a Redis client for cfg
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Publisher is a feed sink that publishes every alert on a channel and keeps a
// capped history list at "<channel>:recent".
type Publisher struct {
	client  *redis.Client
	channel string
	history int
}

// NewPublisher wraps client. It does not own the client.
func NewPublisher(client *redis.Client, cfg Config) *Publisher {
	p := &Publisher{
		client:  client,
		channel: cfg.Channel,
		history: cfg.History,
	}
	if p.channel == "" {
		p.channel = DefaultChannel
	}
	if p.history <= 0 {
		p.history = DefaultHistory
	}
	return p
}

// Ping checks the connection
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Name identifies the sink in logs and metrics
func (p *Publisher) Name() string {
	return "redis"
}

// Channel is the pub/sub channel alerts are published on
func (p *Publisher) Channel() string {
	return p.channel
}

func (p *Publisher) historyKey() string {
	return p.channel + ":recent"
}

// Write publishes alert and records it in the history list
func (p *Publisher) Write(ctx context.Context, alert models.EmergencyAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", alert.Key(), err)
	}

	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.historyKey(), payload)
	pipe.LTrim(ctx, p.historyKey(), 0, int64(p.history-1))
	pipe.Publish(ctx, p.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", alert.Key(), err)
	}
	return nil
}

// Reset drops the history list
func (p *Publisher) Reset(ctx context.Context) error {
	if err := p.client.Del(ctx, p.historyKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear alert history: %w", err)
	}
	return nil
}

// Recent returns up to n alerts from the history list, most recent first
func (p *Publisher) Recent(ctx context.Context, n int) ([]models.EmergencyAlert, error) {
	if n <= 0 || n > p.history {
		n = p.history
	}
	raw, err := p.client.LRange(ctx, p.historyKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read alert history: %w", err)
	}

	alerts := make([]models.EmergencyAlert, 0, len(raw))
	for _, item := range raw {
		var a models.EmergencyAlert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			logrus.Warnf("Skipping malformed alert in history: %v", err)
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// Listen delivers alerts published on the channel until ctx is done. It
// returns nil on cancellation.
func (p *Publisher) Listen(ctx context.Context, onAlert func(models.EmergencyAlert)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.channel, err)
	}
	logrus.Infof("Listening for alerts on redis channel %s", p.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription to %s closed", p.channel)
			}
			var a models.EmergencyAlert
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				logrus.Errorf("Error parsing alert from redis: %v", err)
				continue
			}
			onAlert(a)
		}
	}
}
