package chat

import (
	"context"
	"time"

	"careline/service/storage"
)

// Mirror is the cluster presence view the gateway writes on connect,
// heartbeat and disconnect, and the router reads for remote fan-out.
type Mirror interface {
	Online(ctx context.Context, userID, deviceID, gatewayID string, ttl time.Duration) error
	Offline(ctx context.Context, userID, deviceID string) error
	Gateways(ctx context.Context, userID string) (map[string]struct{}, error)
}

// RedisMirror backs Mirror with the shared redis presence keys.
type RedisMirror struct{}

func (RedisMirror) Online(ctx context.Context, userID, deviceID, gatewayID string, ttl time.Duration) error {
	return storage.PresenceOnline(ctx, userID, deviceID, gatewayID, ttl)
}

func (RedisMirror) Offline(ctx context.Context, userID, deviceID string) error {
	return storage.PresenceOffline(ctx, userID, deviceID)
}

func (RedisMirror) Gateways(ctx context.Context, userID string) (map[string]struct{}, error) {
	return storage.PresenceGateways(ctx, userID)
}

// NopMirror is for single-node deployments and tests: no remote gateways.
type NopMirror struct{}

func (NopMirror) Online(context.Context, string, string, string, time.Duration) error { return nil }
func (NopMirror) Offline(context.Context, string, string) error                       { return nil }
func (NopMirror) Gateways(context.Context, string) (map[string]struct{}, error) {
	return nil, nil
}
