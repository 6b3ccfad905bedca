package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	rd "github.com/go-redis/redis/v9"

	"github.com/liamcoop/dealflow/internal/logger"
	"github.com/liamcoop/dealflow/rules"
)

// DefaultMaxPerUser caps each user's notification list
const DefaultMaxPerUser = 500

// Config configures the Redis notifier
type Config struct {
	Addrs      []string
	Namespace  string
	MaxPerUser int64
}

// RedisNotifier appends notifications to a per-user Redis list keyed
// <namespace>:<tenantID>:notifications:<userID>
type RedisNotifier struct {
	client     rd.UniversalClient
	namespace  string
	maxPerUser int64
}

// NewRedisNotifier connects to the configured Redis nodes
func NewRedisNotifier(conf Config) *RedisNotifier {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: conf.Addrs,
	})
	return NewRedisNotifierWithClient(client, conf)
}

// NewRedisNotifierWithClient wraps an existing client
func NewRedisNotifierWithClient(client rd.UniversalClient, conf Config) *RedisNotifier {
	namespace := conf.Namespace
	if namespace == "" {
		namespace = "dealflow"
	}
	limit := conf.MaxPerUser
	if limit <= 0 {
		limit = DefaultMaxPerUser
	}
	return &RedisNotifier{
		client:     client,
		namespace:  namespace,
		maxPerUser: limit,
	}
}

func (n *RedisNotifier) key(args ...string) string {
	return fmt.Sprintf("%s:%s", n.namespace, strings.Join(args, ":"))
}

// ForTenant returns a notifier writing into tenantID's lists
func (n *RedisNotifier) ForTenant(tenantID string) rules.Notifier {
	return tenantNotifier{tenantID: tenantID, deliver: n.push}
}

// push appends the notification and trims the list to the newest entries
func (n *RedisNotifier) push(ctx context.Context, msg Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	key := n.key(msg.TenantID, "notifications", msg.UserID)
	_, err = n.client.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, -n.maxPerUser, -1)
		return nil
	})
	if err != nil {
		logger.Error("error while pushing notification to redis", "key", key, "error", err)
		return fmt.Errorf("failed to push notification: %w", err)
	}
	return nil
}

// Pending returns up to limit notifications for userID in tenantID, oldest first.
// A limit of 0 or less returns all of them.
func (n *RedisNotifier) Pending(ctx context.Context, tenantID, userID string, limit int) ([]Notification, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	key := n.key(tenantID, "notifications", userID)
	items, err := n.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	out := make([]Notification, 0, len(items))
	for _, item := range items {
		var msg Notification
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			logger.Warn("skipping undecodable notification", "key", key, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Ping checks connectivity
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Close releases the client
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
