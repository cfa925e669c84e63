package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"conversation-realtime/internal/models"
)

const lastSeenTTL = 30 * 24 * time.Hour

// RedisStore keeps presence in sorted sets scored by socket expiry (unix ms).
// Expired members are trimmed lazily on every read.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisStore{client: client, ttl: ttl, now: time.Now}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func userSocketsKey(userID string) string {
	return fmt.Sprintf("presence:user:%s:sockets", userID)
}

func userKey(userID string) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("presence:conv:%s", conversationID)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// expiredMax is the inclusive upper score of entries that expired at or before now.
func expiredMax(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// SetOnline registers a socket and reports whether the user had no fresh socket before.
func (s *RedisStore) SetOnline(ctx context.Context, userID, socketID string) (bool, error) {
	now := s.now()
	key := userSocketsKey(userID)

	var before *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", expiredMax(now))
		before = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: score(now.Add(s.ttl)), Member: socketID})
		pipe.Expire(ctx, key, s.ttl)
		pipe.HSet(ctx, userKey(userID), "last_seen", now.UnixMilli())
		pipe.Expire(ctx, userKey(userID), lastSeenTTL)
		return nil
	})
	if err != nil {
		return false, unavailable("set_online", err)
	}
	return before.Val() == 0, nil
}

// RemoveSocket drops one socket and returns how many fresh sockets remain.
func (s *RedisStore) RemoveSocket(ctx context.Context, userID, socketID string) (int, error) {
	now := s.now()
	key := userSocketsKey(userID)

	var remaining *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, key, socketID)
		pipe.ZRemRangeByScore(ctx, key, "-inf", expiredMax(now))
		remaining = pipe.ZCard(ctx, key)
		pipe.HSet(ctx, userKey(userID), "last_seen", now.UnixMilli())
		pipe.Expire(ctx, userKey(userID), lastSeenTTL)
		return nil
	})
	if err != nil {
		return 0, unavailable("remove_socket", err)
	}
	return int(remaining.Val()), nil
}

// SetOffline forgets every socket of the user and stamps last seen.
func (s *RedisStore) SetOffline(ctx context.Context, userID string) error {
	now := s.now()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, userSocketsKey(userID))
		pipe.HSet(ctx, userKey(userID), "last_seen", now.UnixMilli())
		pipe.Expire(ctx, userKey(userID), lastSeenTTL)
		return nil
	})
	if err != nil {
		return unavailable("set_offline", err)
	}
	return nil
}

// GetStatus reports online when the user holds at least one unexpired socket.
func (s *RedisStore) GetStatus(ctx context.Context, userID string) (Status, error) {
	now := s.now()
	key := userSocketsKey(userID)

	var count *redis.IntCmd
	var lastSeen *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", expiredMax(now))
		count = pipe.ZCard(ctx, key)
		lastSeen = pipe.HGet(ctx, userKey(userID), "last_seen")
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, unavailable("get_status", err)
	}

	status := Status{State: models.PresenceOffline}
	if ms, perr := strconv.ParseInt(lastSeen.Val(), 10, 64); perr == nil {
		status.LastSeen = time.UnixMilli(ms).UTC()
	}
	if count.Val() > 0 {
		status.State = models.PresenceOnline
	}
	return status, nil
}

// AddToConversation records the socket as present in the conversation room.
func (s *RedisStore) AddToConversation(ctx context.Context, conversationID, userID, socketID string) error {
	now := s.now()
	key := conversationKey(conversationID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: score(now.Add(s.ttl)), Member: roomMember(userID, socketID)})
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return unavailable("add_to_conversation", err)
	}
	return nil
}

// RemoveFromConversation removes the socket from the conversation room.
func (s *RedisStore) RemoveFromConversation(ctx context.Context, conversationID, userID, socketID string) error {
	if err := s.client.ZRem(ctx, conversationKey(conversationID), roomMember(userID, socketID)).Err(); err != nil {
		return unavailable("remove_from_conversation", err)
	}
	return nil
}

// ListConversationUsers returns the distinct users holding a fresh socket in the room.
func (s *RedisStore) ListConversationUsers(ctx context.Context, conversationID string) ([]string, error) {
	now := s.now()
	key := conversationKey(conversationID)

	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", expiredMax(now))
		members = pipe.ZRange(ctx, key, 0, -1)
		return nil
	})
	if err != nil {
		return nil, unavailable("list_conversation_users", err)
	}
	return uniqueUsers(members.Val()), nil
}

// Touch extends the expiry of a live socket and its room memberships.
func (s *RedisStore) Touch(ctx context.Context, userID, socketID string, conversationIDs []string) error {
	now := s.now()
	expiry := score(now.Add(s.ttl))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		sockets := userSocketsKey(userID)
		pipe.ZAdd(ctx, sockets, redis.Z{Score: expiry, Member: socketID})
		pipe.Expire(ctx, sockets, s.ttl)
		pipe.HSet(ctx, userKey(userID), "last_seen", now.UnixMilli())
		pipe.Expire(ctx, userKey(userID), lastSeenTTL)
		for _, conversationID := range conversationIDs {
			key := conversationKey(conversationID)
			pipe.ZAdd(ctx, key, redis.Z{Score: expiry, Member: roomMember(userID, socketID)})
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable("touch", err)
	}
	return nil
}
