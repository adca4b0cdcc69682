package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/ledger"
)

// ConnectRedis connects to the redis db and returns the client.
func ConnectRedis(ctx context.Context, uri, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     uri,
		Password: password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// RedisSubscriptions keeps push subscriptions in Redis:
//
//	push:admin:{adminID}  hash endpoint -> subscription JSON
//	push:endpoints        hash endpoint -> adminID
type RedisSubscriptions struct {
	client *redis.Client
	logger *zap.Logger
}

const endpointIndex = "push:endpoints"

func NewRedisSubscriptions(client *redis.Client, logger *zap.Logger) *RedisSubscriptions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSubscriptions{client: client, logger: logger}
}

func adminKey(id ledger.UserID) string { return "push:admin:" + string(id) }

type redisSubscription struct {
	ID        string `json:"id"`
	AdminID   string `json:"admin_id"`
	Endpoint  string `json:"endpoint"`
	CreatedAt int64  `json:"created_at"`
}

func (r *RedisSubscriptions) SaveSubscription(ctx context.Context, sub ledger.PushSubscription) error {
	data, err := json.Marshal(redisSubscription{
		ID:        sub.ID,
		AdminID:   string(sub.AdminID),
		Endpoint:  sub.Endpoint,
		CreatedAt: sub.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	prev, err := r.client.HGet(ctx, endpointIndex, sub.Endpoint).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lookup endpoint: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" && prev != string(sub.AdminID) {
			pipe.HDel(ctx, adminKey(ledger.UserID(prev)), sub.Endpoint)
		}
		pipe.HSet(ctx, adminKey(sub.AdminID), sub.Endpoint, data)
		pipe.HSet(ctx, endpointIndex, sub.Endpoint, string(sub.AdminID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	return nil
}

func (r *RedisSubscriptions) ListSubscriptions(ctx context.Context, adminID ledger.UserID) ([]ledger.PushSubscription, error) {
	var admins []ledger.UserID
	if adminID != "" {
		admins = []ledger.UserID{adminID}
	} else {
		index, err := r.client.HGetAll(ctx, endpointIndex).Result()
		if err != nil {
			return nil, fmt.Errorf("read endpoint index: %w", err)
		}
		seen := map[string]bool{}
		for _, id := range index {
			if !seen[id] {
				seen[id] = true
				admins = append(admins, ledger.UserID(id))
			}
		}
	}

	subs := []ledger.PushSubscription{}
	for _, id := range admins {
		entries, err := r.client.HGetAll(ctx, adminKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("read subscriptions of %s: %w", id, err)
		}
		for endpoint, raw := range entries {
			var rs redisSubscription
			if err := json.Unmarshal([]byte(raw), &rs); err != nil {
				r.logger.Warn("skipping corrupt push subscription", zap.String("endpoint", endpoint), zap.Error(err))
				continue
			}
			subs = append(subs, ledger.PushSubscription{
				ID:        rs.ID,
				AdminID:   ledger.UserID(rs.AdminID),
				Endpoint:  rs.Endpoint,
				CreatedAt: unixNano(rs.CreatedAt),
			})
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs, nil
}

func (r *RedisSubscriptions) DeleteSubscription(ctx context.Context, endpoint string) error {
	adminID, err := r.client.HGet(ctx, endpointIndex, endpoint).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup endpoint: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, adminKey(ledger.UserID(adminID)), endpoint)
		pipe.HDel(ctx, endpointIndex, endpoint)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func unixNano(n int64) time.Time { return time.Unix(0, n).UTC() }
