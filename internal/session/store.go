package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/duet/internal/model"
)

const (
	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// ProfilePrefix is the Redis key prefix for profile hashes.
	ProfilePrefix = "profile:"

	// PresenceTTL bounds how long a presence entry survives without a
	// heartbeat refresh, e.g. after a node crash.
	PresenceTTL = 2 * time.Minute
)

// Removes the presence hash only if it still belongs to this node, so a
// reconnect on another node is not wiped by the old node's cleanup.
var setOfflineLua = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'server') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store manages presence and profiles in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SetOnline records userID as connected to this node. The presence hash
// holds the owning server, the call partner and connect/activity times.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"server":       s.serverName,
		"call_partner": "",
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the presence TTL and last-active time.
func (s *Store) Touch(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IsOnline reports whether userID has a live presence entry.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, PresencePrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetOffline removes userID's presence if this node owns it.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	return setOfflineLua.Run(ctx, s.client, []string{PresencePrefix + userID}, s.serverName).Err()
}

// SetActiveCall records that userID announced a call to partnerID.
func (s *Store) SetActiveCall(ctx context.Context, userID, partnerID string) error {
	return s.client.HSet(ctx, PresencePrefix+userID, "call_partner", partnerID, "last_active", time.Now().Unix()).Err()
}

// ActiveCall returns the partner of userID's active call, or "".
func (s *Store) ActiveCall(ctx context.Context, userID string) (string, error) {
	partner, err := s.client.HGet(ctx, PresencePrefix+userID, "call_partner").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return partner, err
}

// ClearActiveCall forgets userID's active call.
func (s *Store) ClearActiveCall(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil || n == 0 {
		return err
	}
	return s.client.HSet(ctx, key, "call_partner", "").Err()
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

type profileRecord struct {
	ID          string `redis:"id"`
	DisplayName string `redis:"display_name"`
}

// SetProfile stores a display profile. Profiles do not expire.
func (s *Store) SetProfile(ctx context.Context, p model.Profile) error {
	return s.client.HSet(ctx, ProfilePrefix+p.ID, "id", p.ID, "display_name", p.DisplayName).Err()
}

// GetProfile returns the profile for userID with its online flag, or nil
// when the user has no profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var rec profileRecord
	if err := s.client.HGetAll(ctx, ProfilePrefix+userID).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil
	}
	online, err := s.IsOnline(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Profile{ID: rec.ID, DisplayName: rec.DisplayName, IsOnline: online}, nil
}

// DisplayName returns userID's display name, falling back to the id.
func (s *Store) DisplayName(ctx context.Context, userID string) string {
	p, err := s.GetProfile(ctx, userID)
	if err != nil || p == nil || p.DisplayName == "" {
		return userID
	}
	return p.DisplayName
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
