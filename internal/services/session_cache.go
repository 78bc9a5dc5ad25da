package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionCacheTTL = 24 * time.Hour

// SessionCache mirrors the active session snapshot into Redis so a
// restarted agent can resume the same remote session. All operations
// are best-effort; a nil cache (Redis not configured) is a no-op.
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache creates a session cache; returns nil when client is nil
func NewSessionCache(client *redis.Client) *SessionCache {
	if client == nil {
		return nil
	}
	return &SessionCache{client: client}
}

func sessionKey(deviceID, appID string) string {
	return fmt.Sprintf("session:%s:%s", deviceID, appID)
}

// StoreSession records the active session id
func (c *SessionCache) StoreSession(ctx context.Context, deviceID, appID, sessionID string) error {
	if c == nil {
		return nil
	}

	key := sessionKey(deviceID, appID)
	data := map[string]interface{}{
		"session_id": sessionID,
		"started_at": time.Now().Unix(),
	}

	if err := c.client.HSet(ctx, key, data).Err(); err != nil {
		return err
	}
	return c.client.Expire(ctx, key, sessionCacheTTL).Err()
}

// LoadSessionID returns the cached session id, empty when none is cached
func (c *SessionCache) LoadSessionID(ctx context.Context, deviceID, appID string) (string, error) {
	if c == nil {
		return "", nil
	}

	sessionID, err := c.client.HGet(ctx, sessionKey(deviceID, appID), "session_id").Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}

	return sessionID, nil
}

// TouchHeartbeat records the last successful heartbeat time
func (c *SessionCache) TouchHeartbeat(ctx context.Context, deviceID, appID string) error {
	if c == nil {
		return nil
	}

	key := sessionKey(deviceID, appID)
	if err := c.client.HSet(ctx, key, "last_heartbeat", time.Now().Unix()).Err(); err != nil {
		return err
	}
	return c.client.Expire(ctx, key, sessionCacheTTL).Err()
}

// ClearSession drops the cached snapshot after teardown
func (c *SessionCache) ClearSession(ctx context.Context, deviceID, appID string) error {
	if c == nil {
		return nil
	}

	return c.client.Del(ctx, sessionKey(deviceID, appID)).Err()
}
