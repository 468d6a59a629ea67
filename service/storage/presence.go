package storage

import (
	"context"
	"time"

	redisx "careline/service/storage/redis"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Cluster presence mirror. The in-process registry is authoritative for local
// fan-out; these keys tell other gateways (and ops tooling) where a device is
// connected. Key: careline:presence:<user>:<device> -> gateway id, TTL renewed
// on heartbeat.

func presenceKey(userID, deviceID string) string {
	return "careline:presence:" + userID + ":" + deviceID
}

func presencePattern(userID string) string {
	return "careline:presence:" + userID + ":*"
}

// PresenceOnline marks a device online on the given gateway and renews TTL.
func PresenceOnline(ctx context.Context, userID, deviceID, gatewayID string, ttl time.Duration) error {
	return redisx.GetRedis().Set(ctx, presenceKey(userID, deviceID), gatewayID, ttl).Err()
}

// PresenceOffline deletes the device's key.
func PresenceOffline(ctx context.Context, userID, deviceID string) error {
	return redisx.GetRedis().Del(ctx, presenceKey(userID, deviceID)).Err()
}

// PresenceGateways returns the distinct gateways that currently hold live
// sessions for the user. Used by the router to relay deliveries to peers.
func PresenceGateways(ctx context.Context, userID string) (map[string]struct{}, error) {
	rdb := redisx.GetRedis()
	out := make(map[string]struct{})
	iter := rdb.Scan(ctx, 0, presencePattern(userID), 64).Iterator()
	for iter.Next(ctx) {
		gw, err := rdb.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		out[gw] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
